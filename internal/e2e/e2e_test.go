package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"detectd/internal/capture"
	"detectd/internal/config"
	"detectd/internal/daemon"
	"detectd/internal/httpapi"
	"detectd/internal/infer"
	"detectd/internal/modelstore"
	"detectd/internal/pipeline"
	"detectd/internal/predcache"
	"detectd/internal/registry"
	"detectd/internal/resource"
	"detectd/pkg/types"
)

// slowableRuntime stands in for the accelerated session so the suite runs
// without the native onnxruntime library.
type slowableRuntime struct {
	scores []float32
	delay  time.Duration
}

func (r *slowableRuntime) Infer(ctx context.Context, _ types.Tensor, _ infer.RunOptions) ([]float32, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.scores, nil
}

func (r *slowableRuntime) Close() error { return nil }

func writeArtifact(t *testing.T, dir, id string) {
	t.Helper()
	p := filepath.Join(dir, id+".onnx")
	if err := os.WriteFile(p, make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	manifest := fmt.Sprintf(`
id: %s
version: 1.0.0
input: {channels: 3, height: 64, width: 64}
mean: [0.485, 0.456, 0.406]
scale: [0.229, 0.224, 0.225]
labels: [lion, zebra, none]
footprint_mb: 1
`, id)
	if err := os.WriteFile(p+".yaml", []byte(manifest), 0o644); err != nil {
		t.Fatalf("manifest: %v", err)
	}
}

type rig struct {
	srv     *httptest.Server
	sampler *resource.ManualSampler
	monitor *resource.Monitor
}

// newRig assembles the full daemon over a synthetic camera and a fake
// accelerated runtime, serving the real HTTP mux.
func newRig(t *testing.T, rt infer.Runtime, mutate func(cfg *config.Config)) *rig {
	t.Helper()
	dir := t.TempDir()
	writeArtifact(t, dir, "species")

	cfg := &config.Config{
		ModelsDir:           dir,
		DefaultModel:        "species",
		CacheBudgetMB:       64,
		ConfidenceThreshold: 0.5,
		TargetFPS:           50,
		DeadlineMs:          200,
		HysteresisMs:        20,
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	arts, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sampler := resource.NewManualSampler(types.ResourceState{Thermal: types.ThermalNominal})
	monitor := resource.New(sampler, resource.Options{
		PollInterval: 10 * time.Millisecond,
		Hysteresis:   cfg.Hysteresis(),
	}, zerolog.Nop())
	monitor.Start(ctx)
	t.Cleanup(monitor.Close)

	store := modelstore.New(cfg.ModelsDir, arts, cfg.CacheBudgetMB, zerolog.Nop())
	opener := func(*modelstore.Handle) (infer.Runtime, error) { return rt, nil }
	executor := infer.New(monitor, infer.Config{
		MaxBatch:         cfg.MaxBatchSize,
		Deadline:         cfg.Deadline(),
		QueueDepth:       cfg.QueueDepth,
		DropWhenBusy:     cfg.DropWhenBusy,
		MaxWait:          25 * time.Millisecond,
		CriticalPressure: cfg.CriticalPressure,
	}, opener, zerolog.Nop())
	cache := predcache.New(cfg.PredictionCacheSize, cfg.CacheTTL())
	source := capture.NewSyntheticSource(64, 64)
	controller := capture.New(source, monitor, capture.Config{
		TargetFPS:        cfg.TargetFPS,
		DropRateLimit:    cfg.DropRateLimit,
		CriticalGrace:    cfg.CriticalGrace(),
		CriticalPressure: cfg.CriticalPressure,
	}, zerolog.Nop())
	pipe := pipeline.New(store, executor, cache, controller, monitor, pipeline.Config{
		ModelID:             cfg.DefaultModel,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Deadline:            cfg.Deadline(),
		TargetFPS:           cfg.TargetFPS,
	}, zerolog.Nop())
	t.Cleanup(pipe.Stop)

	svc := daemon.New(cfg, store, monitor, pipe, zerolog.Nop())
	svc.Run(ctx)

	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(srv.Close)
	return &rig{srv: srv, sampler: sampler, monitor: monitor}
}

func pngBody(t *testing.T) []byte { return pngBodySeed(t, 90) }

// pngBodySeed varies the blue channel so frames with different seeds never
// collide in the prediction cache.
func pngBodySeed(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x*5) + seed, G: uint8(y * 5), B: seed, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func postImage(t *testing.T, url string, img []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "image/png", bytes.NewReader(img))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func TestE2E_ModelsDetectStatus(t *testing.T) {
	r := newRig(t, &slowableRuntime{scores: []float32{0.92, 0.05, 0.03}}, nil)

	resp, body := httpGet(t, r.srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models status=%d body=%s", resp.StatusCode, body)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("/models json: %v", err)
	}
	if len(models.Models) != 1 || models.Models[0].ID != "species" {
		t.Fatalf("unexpected models: %+v", models.Models)
	}

	resp, _ = httpGet(t, r.srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status=%d", resp.StatusCode)
	}

	resp, body = postImage(t, r.srv.URL+"/detect", pngBody(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/detect status=%d body=%s", resp.StatusCode, body)
	}
	var det types.DetectResponse
	if err := json.Unmarshal(body, &det); err != nil {
		t.Fatalf("/detect json: %v body=%s", err, body)
	}
	if det.Result == nil || det.Result.Label != "lion" {
		t.Fatalf("expected lion result, got %+v", det)
	}
	if det.Result.Quality != types.QualityAccelerated {
		t.Fatalf("expected accelerated quality, got %s", det.Result.Quality)
	}

	resp, body = httpGet(t, r.srv.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status status=%d", resp.StatusCode)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v body=%s", err, body)
	}
	if len(st.Handles) != 1 || st.Handles[0].ModelID != "species" {
		t.Fatalf("expected one resident handle, got %+v", st.Handles)
	}
	if st.Resource.Thermal != "nominal" {
		t.Fatalf("expected nominal thermal, got %s", st.Resource.Thermal)
	}
}

func TestE2E_PipelineStreamLifecycle(t *testing.T) {
	r := newRig(t, &slowableRuntime{scores: []float32{0.9, 0.06, 0.04}}, nil)

	_, body := httpGet(t, r.srv.URL+"/status")
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v", err)
	}
	if st.Pipeline.State != "idle" {
		t.Fatalf("expected idle before start, got %s", st.Pipeline.State)
	}

	resp, body := postImage(t, r.srv.URL+"/pipeline/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/pipeline/start status=%d body=%s", resp.StatusCode, body)
	}
	// Double start must conflict.
	resp, _ = postImage(t, r.srv.URL+"/pipeline/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start expected 409, got %d", resp.StatusCode)
	}

	// Read a couple of NDJSON events off the live stream.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.srv.URL+"/detections", nil)
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer streamResp.Body.Close()
	dec := json.NewDecoder(streamResp.Body)
	for i := 0; i < 2; i++ {
		var ev types.StreamEvent
		if err := dec.Decode(&ev); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		if ev.Result == nil {
			t.Fatalf("event %d carried no result: %+v", i, ev)
		}
		if ev.Result.Label != "lion" {
			t.Fatalf("event %d label=%s", i, ev.Result.Label)
		}
	}
	cancel()

	resp, _ = postImage(t, r.srv.URL+"/pipeline/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/pipeline/stop status=%d", resp.StatusCode)
	}

	_, body = httpGet(t, r.srv.URL+"/status")
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v", err)
	}
	if st.Pipeline.ResultsPublished == 0 {
		t.Fatalf("expected published results after streaming, got %+v", st.Pipeline)
	}
}

func TestE2E_CriticalThermalRejectsDetect(t *testing.T) {
	r := newRig(t, &slowableRuntime{scores: []float32{0.9, 0.06, 0.04}}, nil)

	r.sampler.Set(types.ResourceState{Thermal: types.ThermalCritical, ObservedAt: time.Now()})
	deadline := time.Now().Add(2 * time.Second)
	for r.monitor.Current().Thermal != types.ThermalCritical {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never reached critical")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, body := postImage(t, r.srv.URL+"/detect", pngBody(t))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 under critical thermal, got %d body=%s", resp.StatusCode, body)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error json: %v body=%s", err, body)
	}
	if e.Kind != types.ErrKindThermalThrottled {
		t.Fatalf("expected thermal_throttled, got %s", e.Kind)
	}
}

func TestE2E_Backpressure429(t *testing.T) {
	// A slow runtime plus a single queue slot forces the third concurrent
	// request to give up after MaxWait.
	rt := &slowableRuntime{scores: []float32{0.9, 0.06, 0.04}, delay: 80 * time.Millisecond}
	r := newRig(t, rt, func(cfg *config.Config) {
		cfg.QueueDepth = 1
	})

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		img := pngBodySeed(t, uint8(80*i))
		go func() {
			resp, err := http.Post(r.srv.URL+"/detect", "image/png", bytes.NewReader(img))
			if err != nil {
				done <- 0
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			done <- resp.StatusCode
		}()
	}
	got429 := false
	for i := 0; i < 3; i++ {
		if <-done == http.StatusTooManyRequests {
			got429 = true
		}
	}
	if !got429 {
		t.Fatalf("expected at least one 429 among concurrent detects")
	}
}
