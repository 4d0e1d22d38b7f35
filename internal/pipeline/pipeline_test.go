package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"detectd/internal/capture"
	"detectd/internal/infer"
	"detectd/internal/modelstore"
	"detectd/internal/predcache"
	"detectd/internal/registry"
	"detectd/internal/resource"
	"detectd/pkg/types"
)

type fakeSignals struct {
	mu    sync.Mutex
	state types.ResourceState
	subs  []chan resource.Transition
}

func (f *fakeSignals) Current() types.ResourceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSignals) Subscribe() (<-chan resource.Transition, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan resource.Transition, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeSignals) set(level types.ThermalLevel) {
	f.mu.Lock()
	from := f.state.Thermal
	f.state = types.ResourceState{Thermal: level, ObservedAt: time.Now()}
	subs := append([]chan resource.Transition(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- resource.Transition{From: from, To: level}:
		default:
		}
	}
}

type fakeRuntime struct {
	calls  atomic.Int32
	delay  time.Duration
	scores []float32
}

func (f *fakeRuntime) Infer(ctx context.Context, _ types.Tensor, _ infer.RunOptions) ([]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.scores, nil
}

func (f *fakeRuntime) Close() error { return nil }

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

func newRig(t *testing.T, rt *fakeRuntime, threshold float64, deadline time.Duration) (*Pipeline, *fakeSignals, *capture.SyntheticSource) {
	t.Helper()
	dir := t.TempDir()
	writeArtifact(t, dir, "species")
	arts, err := registry.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	store := modelstore.New(dir, arts, 64, zerolog.Nop())
	sig := &fakeSignals{}
	opener := func(*modelstore.Handle) (infer.Runtime, error) { return rt, nil }
	exec := infer.New(sig, infer.Config{MaxBatch: 32, Deadline: deadline, QueueDepth: 4}, opener, zerolog.Nop())
	cache := predcache.New(64, 5*time.Second)
	src := capture.NewSyntheticSource(64, 64)
	ctrl := capture.New(src, sig, capture.Config{TargetFPS: 50, OutDepth: 8}, zerolog.Nop())
	p := New(store, exec, cache, ctrl, sig, Config{
		ModelID:             "species",
		ConfidenceThreshold: threshold,
		Deadline:            deadline,
		TargetFPS:           50,
	}, zerolog.Nop())
	t.Cleanup(func() { p.Stop() })
	return p, sig, src
}

func grabFrame(t *testing.T, src *capture.SyntheticSource) types.Frame {
	t.Helper()
	frame, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	frame.Seq = 1
	frame.CapturedAt = time.Now()
	return frame
}

func TestDetectSingleFrame(t *testing.T) {
	rt := &fakeRuntime{scores: []float32{0.95, 0.03, 0.02}}
	p, _, src := newRig(t, rt, 0.85, 100*time.Millisecond)

	res, below, err := p.Detect(context.Background(), grabFrame(t, src))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if below {
		t.Fatalf("0.95 flagged below threshold 0.85")
	}
	if res.Label != "lion" {
		t.Fatalf("label %q, want lion", res.Label)
	}
	if res.Confidence < 0.94 || res.Confidence > 0.96 {
		t.Fatalf("confidence %v", res.Confidence)
	}
	if res.Quality != types.QualityAccelerated {
		t.Fatalf("quality %s", res.Quality)
	}
	if res.ID == "" {
		t.Fatalf("missing result id")
	}
	if res.CacheHit {
		t.Fatalf("first detection marked as cache hit")
	}
}

func TestDuplicateFrameServedFromCache(t *testing.T) {
	rt := &fakeRuntime{scores: []float32{0.95, 0.03, 0.02}}
	p, _, src := newRig(t, rt, 0.85, 100*time.Millisecond)
	src.Freeze()

	first := grabFrame(t, src)
	if _, _, err := p.Detect(context.Background(), first); err != nil {
		t.Fatalf("first detect: %v", err)
	}

	time.Sleep(200 * time.Millisecond) // well inside the 5s TTL

	second := grabFrame(t, src)
	second.Seq = 2
	res, below, err := p.Detect(context.Background(), second)
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if below {
		t.Fatalf("cached result flagged below threshold")
	}
	if !res.CacheHit {
		t.Fatalf("expected cache hit on duplicate frame")
	}
	if res.FrameSeq != 2 {
		t.Fatalf("cache hit kept stale frame seq %d", res.FrameSeq)
	}
	if got := rt.calls.Load(); got != 1 {
		t.Fatalf("executor ran %d times for duplicate frames, want 1", got)
	}
}

func TestCacheHitRecheckedAgainstAdjustedThreshold(t *testing.T) {
	rt := &fakeRuntime{scores: []float32{0.92, 0.05, 0.03}}
	p, sig, src := newRig(t, rt, 0.90, 100*time.Millisecond)
	src.Freeze()

	// Nominal: 0.92 >= 0.90, cached and published.
	if _, below, err := p.Detect(context.Background(), grabFrame(t, src)); err != nil || below {
		t.Fatalf("nominal: below=%v err=%v", below, err)
	}

	// Serious scales the threshold to 1.08: the cached 0.92 no longer clears.
	sig.set(types.ThermalSerious)
	res, below, err := p.Detect(context.Background(), grabFrame(t, src))
	if err != nil {
		t.Fatalf("serious: %v", err)
	}
	if !res.CacheHit {
		t.Fatalf("duplicate frame missed the cache")
	}
	if !below {
		t.Fatalf("cached 0.92 served past adjusted threshold 1.08 at serious")
	}
	if got := rt.calls.Load(); got != 1 {
		t.Fatalf("executor ran %d times, want 1", got)
	}

	// Recovery restores the base threshold and the cached result flows again.
	sig.set(types.ThermalNominal)
	if _, below, err := p.Detect(context.Background(), grabFrame(t, src)); err != nil || below {
		t.Fatalf("after recovery: below=%v err=%v", below, err)
	}
}

func TestDeadlineMissEmitsTimeoutAndDrops(t *testing.T) {
	rt := &fakeRuntime{delay: 150 * time.Millisecond, scores: []float32{0.95, 0.03, 0.02}}
	p, _, _ := newRig(t, rt, 0.85, 100*time.Millisecond)

	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != types.ErrKindExecutionTimeout {
			t.Fatalf("event kind %q, want execution_timeout", ev.Kind)
		}
		if ev.Result != nil {
			t.Fatalf("timed-out frame produced a result")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event within 3s")
	}

	if st := p.Status(); st.FramesDropped == 0 {
		t.Fatalf("deadline miss did not count as a drop")
	}
}

func TestAdjustedThresholdFiltersAtSerious(t *testing.T) {
	rt := &fakeRuntime{scores: []float32{0.80, 0.15, 0.05}}
	p, sig, src := newRig(t, rt, 0.70, 100*time.Millisecond)

	// Nominal: 0.80 >= 0.70, publishes.
	if _, below, err := p.Detect(context.Background(), grabFrame(t, src)); err != nil || below {
		t.Fatalf("nominal: below=%v err=%v", below, err)
	}

	// Serious scales the threshold by 1.2: 0.80 < 0.84, filtered.
	sig.set(types.ThermalSerious)
	res, below, err := p.Detect(context.Background(), grabFrame(t, src))
	if err != nil {
		t.Fatalf("serious: %v", err)
	}
	if !below {
		t.Fatalf("0.80 cleared adjusted threshold 0.84 at serious")
	}
	if res.Quality != types.QualityThrottled {
		t.Fatalf("quality %s at serious, want throttled", res.Quality)
	}
}

func TestCriticalTransitionCoalescesThrottleEvent(t *testing.T) {
	rt := &fakeRuntime{scores: []float32{0.95, 0.03, 0.02}}
	p, sig, _ := newRig(t, rt, 0.85, 100*time.Millisecond)

	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait for the stream to produce at least one result.
	select {
	case ev := <-events:
		if ev.Result == nil {
			t.Fatalf("first event was %q, want a result", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no result within 3s")
	}

	sig.set(types.ThermalCritical)

	throttled := 0
	results := 0
	deadline := time.After(500 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-events:
			switch {
			case ev.Kind == types.ErrKindThermalThrottled:
				throttled++
			case ev.Result != nil:
				results++
			}
		case <-deadline:
			done = true
		}
	}
	if throttled != 1 {
		t.Fatalf("%d thermal_throttled events during critical episode, want exactly 1", throttled)
	}

	// Recovery resumes publication.
	sig.set(types.ThermalNominal)
	select {
	case ev := <-events:
		if ev.Result == nil && ev.Kind == types.ErrKindThermalThrottled {
			t.Fatalf("throttle event after recovery")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stream did not resume after recovery")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	rt := &fakeRuntime{scores: []float32{0.95, 0.03, 0.02}}
	p, _, _ := newRig(t, rt, 0.85, 100*time.Millisecond)

	if p.Running() {
		t.Fatalf("running before start")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("second start succeeded")
	}
	p.Stop()
	if p.Running() {
		t.Fatalf("running after stop")
	}
	p.Stop() // idempotent
}
