package detectctl

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"detectd/pkg/types"
)

func newFakeServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.StatusResponse{
			Pipeline: types.PipelineStatus{State: "running", FramesCaptured: 42, ResultsPublished: 40, TargetFPS: 15},
			Resource: types.ResourceStatus{Thermal: "nominal", MemoryPressure: 0.3},
			BudgetMB: 512, UsedMB: 96,
		})
	})
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ModelsResponse{Models: []types.ModelInfo{
			{ID: "species", Version: "1.0", InputShape: [3]int{3, 640, 640}, FootprintMB: 96, Labels: []string{"lion", "zebra"}},
		}})
	})
	mux.HandleFunc("POST /detect", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Close()
		json.NewEncoder(w).Encode(types.DetectResponse{Result: &types.DetectionResult{
			ID: "r1", Label: "lion", Confidence: 0.93, ModelID: "species", Quality: types.QualityAccelerated,
		}})
	})
	mux.HandleFunc("GET /detections", func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(types.StreamEvent{Result: &types.DetectionResult{ID: "e1", Label: "zebra", Confidence: 0.9}})
		enc.Encode(types.StreamEvent{Kind: types.ErrKindExecutionTimeout, Error: "inference deadline exceeded"})
	})
	mux.HandleFunc("POST /pipeline/start", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /models/missing/invalidate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "model not found: missing", Kind: types.ErrKindModelLoadFailed, Code: 404})
	})
	mux.HandleFunc("POST /models/species/invalidate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestClientStatusAndModels(t *testing.T) {
	_, c := newFakeServer(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", st.Pipeline.State)
	require.Equal(t, uint64(42), st.Pipeline.FramesCaptured)

	models, err := c.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "species", models[0].ID)
	require.Equal(t, [3]int{3, 640, 640}, models[0].InputShape)
}

func TestClientDetectUploadsMultipart(t *testing.T) {
	_, c := newFakeServer(t)

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	resp, err := c.Detect(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	require.Equal(t, "lion", resp.Result.Label)
	require.Equal(t, types.QualityAccelerated, resp.Result.Quality)
}

func TestClientWatchStreamsLines(t *testing.T) {
	_, c := newFakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, c.Watch(ctx, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first types.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NotNil(t, first.Result)
	require.Equal(t, "zebra", first.Result.Label)

	var second types.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, types.ErrKindExecutionTimeout, second.Kind)
}

func TestClientErrorDecoding(t *testing.T) {
	_, c := newFakeServer(t)
	ctx := context.Background()

	require.NoError(t, c.Invalidate(ctx, "species"))

	err := c.Invalidate(ctx, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "model not found")
	require.Contains(t, err.Error(), "404")
}

func TestRootCommandWiring(t *testing.T) {
	srv, _ := newFakeServer(t)

	cfg := &Config{Addr: srv.URL, LogLvl: "warn"}
	root := buildRootCmdWith(cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"models"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "species")
	require.Contains(t, out.String(), "3x640x640")
}
