// Package httpapi exposes the daemon over HTTP: status and model listing,
// one-shot detection, the live detection stream, pipeline lifecycle, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"detectd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.ModelInfo
	Status() types.StatusResponse
	Detect(ctx context.Context, frame types.Frame) (types.DetectionResult, bool, error)
	Subscribe() (<-chan types.StreamEvent, func())
	StartPipeline() error
	StopPipeline()
	Invalidate(modelID string) error
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.Models()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Post("/detect", func(w http.ResponseWriter, r *http.Request) {
		handleDetect(svc, w, r)
	})

	r.Get("/detections", func(w http.ResponseWriter, r *http.Request) {
		handleDetections(svc, w, r)
	})

	r.Post("/pipeline/start", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.StartPipeline(); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error(), "")
			return
		}
		writeJSON(w, map[string]string{"status": "started"})
	})

	r.Post("/pipeline/stop", func(w http.ResponseWriter, r *http.Request) {
		svc.StopPipeline()
		writeJSON(w, map[string]string{"status": "stopped"})
	})

	r.Post("/models/{id}/invalidate", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Invalidate(id); err != nil {
			writeJSONError(w, http.StatusNotFound, err.Error(), types.ErrKindModelLoadFailed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleDetect decodes an uploaded image (multipart field "image" or a raw
// image body) into a frame and runs it through the detection stages.
func handleDetect(svc Service, w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	frame, err := frameFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), types.ErrKindInvalidInput)
		return
	}

	start := time.Now()
	joined, cancel := joinContexts(baseCtx, r.Context())
	defer cancel()

	result, below, err := svc.Detect(joined, frame)
	if err != nil {
		if r.Context().Err() != nil || baseCtx.Err() != nil {
			return
		}
		writeServiceError(w, err)
		return
	}

	logEvent().Str("path", r.URL.Path).Str("label", result.Label).
		Float64("confidence", result.Confidence).Bool("below_threshold", below).
		Dur("dur", time.Since(start)).Msg("detect")

	resp := types.DetectResponse{BelowThreshold: below}
	if !below {
		resp.Result = &result
	}
	writeJSON(w, resp)
}

// handleDetections streams pipeline events until the client disconnects or
// the server shuts down: NDJSON by default, SSE when the client asks for
// text/event-stream.
func handleDetections(svc Service, w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.WriteHeader(http.StatusOK)

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	if flush != nil {
		flush()
	}

	joined, cancel := joinContexts(baseCtx, r.Context())
	defer cancel()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-joined.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if sse {
				if _, err := fmt.Fprint(w, "data: "); err != nil {
					return
				}
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if sse {
				if _, err := fmt.Fprint(w, "\n"); err != nil {
					return
				}
			}
			if flush != nil {
				flush()
			}
		}
	}
}

// frameFromRequest extracts the image payload and converts it to a raw RGB
// frame for the preprocessor.
func frameFromRequest(r *http.Request) (types.Frame, error) {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	var src image.Image
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		f, _, err := r.FormFile("image")
		if err != nil {
			return types.Frame{}, fmt.Errorf("missing multipart field %q", "image")
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return types.Frame{}, fmt.Errorf("decode image: %v", err)
		}
		src = img
	case strings.HasPrefix(ct, "image/"):
		img, _, err := image.Decode(r.Body)
		if err != nil {
			return types.Frame{}, fmt.Errorf("decode image: %v", err)
		}
		src = img
	default:
		return types.Frame{}, fmt.Errorf("Content-Type must be multipart/form-data or image/*")
	}
	return frameFromImage(src), nil
}

func frameFromImage(img image.Image) types.Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	px := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * 3
			px[i] = byte(cr >> 8)
			px[i+1] = byte(cg >> 8)
			px[i+2] = byte(cb >> 8)
		}
	}
	return types.Frame{Pixels: px, Width: w, Height: h, Format: types.PixelRGB, CapturedAt: time.Now()}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response", "")
	}
}
