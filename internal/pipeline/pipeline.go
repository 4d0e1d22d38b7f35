// Package pipeline wires capture, preprocessing, caching, and inference
// into one ordered detection stream. A single worker goroutine processes
// frames in capture order, so results are published in the same order their
// source frames arrived; dropped frames are omitted, never reordered.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"detectd/internal/capture"
	"detectd/internal/infer"
	"detectd/internal/modelstore"
	"detectd/internal/predcache"
	"detectd/internal/preprocess"
	"detectd/internal/resource"
	"detectd/pkg/types"
)

var (
	publishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "pipeline",
		Name:      "results_published_total",
		Help:      "Detection results published to subscribers",
	})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "pipeline",
		Name:      "frame_errors_total",
		Help:      "Per-frame errors by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(publishedTotal, errorsTotal)
}

// Signals is the slice of the resource monitor the pipeline consumes.
type Signals interface {
	Current() types.ResourceState
	Subscribe() (<-chan resource.Transition, func())
}

// Config carries the pipeline's static knobs.
type Config struct {
	ModelID             string
	ConfidenceThreshold float64
	Deadline            time.Duration
	TargetFPS           float64
}

// Pipeline orchestrates one detection stream over a shared model store.
type Pipeline struct {
	log     zerolog.Logger
	store   *modelstore.Store
	exec    *infer.Executor
	cache   *predcache.Cache
	ctrl    *capture.Controller
	signals Signals
	cfg     Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	subMu sync.Mutex
	subs  map[int]chan types.StreamEvent
	subID int

	inflightMu     sync.Mutex
	inflightCancel context.CancelFunc

	episode  atomic.Bool // inside a critical-thermal episode
	notified atomic.Bool // coalesced ThermalThrottled already emitted

	published atomic.Uint64
	dropped   atomic.Uint64 // deadline misses and flushed frames, beyond capture drops
}

// New constructs a stopped pipeline.
func New(store *modelstore.Store, exec *infer.Executor, cache *predcache.Cache, ctrl *capture.Controller, signals Signals, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.85
	}
	return &Pipeline{
		log:     log.With().Str("component", "pipeline").Logger(),
		store:   store,
		exec:    exec,
		cache:   cache,
		ctrl:    ctrl,
		signals: signals,
		cfg:     cfg,
		subs:    make(map[int]chan types.StreamEvent),
	}
}

// Subscribe registers a stream consumer. Events are delivered best-effort:
// a consumer that stops reading loses events rather than stalling the
// pipeline. The returned func unsubscribes and closes the channel.
func (p *Pipeline) Subscribe() (<-chan types.StreamEvent, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.subID
	p.subID++
	ch := make(chan types.StreamEvent, 16)
	p.subs[id] = ch
	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

func (p *Pipeline) publish(ev types.StreamEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start launches the capture loop, the processing worker, and the thermal
// watcher. Returns an error if the pipeline is already running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	if err := p.ctrl.Start(gctx); err != nil {
		cancel()
		return err
	}

	g.Go(func() error { return p.work(gctx) })
	g.Go(func() error { return p.watch(gctx) })

	p.running = true
	p.cancel = cancel
	p.group = g
	p.log.Info().Str("model", p.cfg.ModelID).Float64("threshold", p.cfg.ConfidenceThreshold).Msg("pipeline started")
	return nil
}

// Stop halts capture and processing. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, g := p.cancel, p.group
	p.running = false
	p.mu.Unlock()

	p.ctrl.Stop()
	cancel()
	_ = g.Wait()
	p.log.Info().Msg("pipeline stopped")
}

// Running reports whether the worker loops are live.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// work is the single processing worker; it alone preserves result order.
func (p *Pipeline) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-p.ctrl.Frames():
			if p.episode.Load() {
				p.dropped.Add(1)
				continue
			}
			p.handleFrame(ctx, frame)
		}
	}
}

// watch reacts to thermal transitions: entering Critical cancels the
// in-flight inference, flushes queued frames, and emits one coalesced
// ThermalThrottled event for the whole episode.
func (p *Pipeline) watch(ctx context.Context) error {
	sub, unsubscribe := p.signals.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-sub:
			if tr.To == types.ThermalCritical {
				if p.episode.CompareAndSwap(false, true) {
					p.cancelInflight()
					p.flushFrames()
					p.emitThrottled()
				}
			} else {
				p.episode.Store(false)
				p.notified.Store(false)
			}
		}
	}
}

func (p *Pipeline) emitThrottled() {
	if p.notified.CompareAndSwap(false, true) {
		errorsTotal.WithLabelValues(string(types.ErrKindThermalThrottled)).Inc()
		p.publish(types.StreamEvent{Kind: types.ErrKindThermalThrottled, Error: "critical thermal level, detection suspended"})
	}
}

func (p *Pipeline) cancelInflight() {
	p.inflightMu.Lock()
	cancel := p.inflightCancel
	p.inflightMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline) setInflight(cancel context.CancelFunc) {
	p.inflightMu.Lock()
	p.inflightCancel = cancel
	p.inflightMu.Unlock()
}

func (p *Pipeline) flushFrames() {
	for {
		select {
		case <-p.ctrl.Frames():
			p.dropped.Add(1)
		default:
			return
		}
	}
}

// handleFrame runs one frame through the stages and publishes the outcome.
// A bad frame emits a typed error and the worker moves on; nothing short of
// context cancellation stops the loop.
func (p *Pipeline) handleFrame(ctx context.Context, frame types.Frame) {
	result, below, err := p.process(ctx, frame)
	if err != nil {
		kind := Classify(err)
		switch kind {
		case types.ErrKindThermalThrottled:
			p.dropped.Add(1)
			p.emitThrottled()
		case types.ErrKindExecutionTimeout, types.ErrKindDropped, types.ErrKindTooBusy:
			p.dropped.Add(1)
			errorsTotal.WithLabelValues(string(kind)).Inc()
			p.publish(types.StreamEvent{Kind: kind, Error: err.Error()})
		default:
			errorsTotal.WithLabelValues(string(kind)).Inc()
			p.log.Warn().Err(err).Uint64("frame", frame.Seq).Msg("frame failed")
			p.publish(types.StreamEvent{Kind: kind, Error: err.Error()})
		}
		return
	}
	if below {
		p.log.Debug().Uint64("frame", frame.Seq).Float64("confidence", result.Confidence).Msg("below adjusted threshold")
		return
	}
	p.notified.Store(false)
	p.published.Add(1)
	publishedTotal.Inc()
	p.publish(types.StreamEvent{Result: &result})
}

// process runs the stage chain for one frame: fingerprint, cache lookup,
// preprocess, execute, confidence filter, cache insert.
func (p *Pipeline) process(ctx context.Context, frame types.Frame) (types.DetectionResult, bool, error) {
	fp := preprocess.Fingerprint(frame)
	if cached, ok := p.cache.Lookup(fp); ok {
		cached.CacheHit = true
		cached.FrameSeq = frame.Seq
		if !frame.CapturedAt.IsZero() {
			cached.CapturedAt = frame.CapturedAt
		}
		// A result cached under an easier policy must still clear the
		// threshold the current level demands.
		below := cached.Confidence < p.cfg.ConfidenceThreshold*p.exec.PolicyNow().ThresholdScale
		return cached, below, nil
	}

	handle, release, err := p.store.Acquire(p.cfg.ModelID)
	if err != nil {
		return types.DetectionResult{}, false, err
	}
	defer release()

	c, height, width := handle.InputShape()
	tensor, err := preprocess.Prepare(&frame, preprocess.Contract{
		Channels: c,
		Height:   height,
		Width:    width,
		Mean:     handle.Mean,
		Scale:    handle.Scale,
	})
	if err != nil {
		return types.DetectionResult{}, false, err
	}

	fctx, cancel := context.WithCancel(ctx)
	p.setInflight(cancel)
	defer func() {
		p.setInflight(nil)
		cancel()
	}()

	out, err := p.exec.Execute(fctx, tensor, handle, p.cfg.Deadline)
	if err != nil {
		return types.DetectionResult{}, false, err
	}

	label, confidence := argmax(out.Scores, handle.Labels)
	result := types.DetectionResult{
		ID:         uuid.NewString(),
		Label:      label,
		Confidence: confidence,
		ModelID:    handle.ModelID,
		FrameSeq:   frame.Seq,
		CapturedAt: frame.CapturedAt,
		Processing: out.Elapsed,
		Quality:    out.Quality,
	}
	if confidence < p.cfg.ConfidenceThreshold*out.ThresholdScale {
		return result, true, nil
	}
	p.cache.Insert(fp, result)
	return result, false, nil
}

// Detect runs one frame through the same stages outside the capture loop.
// Used by the one-shot HTTP endpoint; shares the executor's admission queue
// with the live pipeline.
func (p *Pipeline) Detect(ctx context.Context, frame types.Frame) (types.DetectionResult, bool, error) {
	return p.process(ctx, frame)
}

// Status snapshots the pipeline side of GET /status.
func (p *Pipeline) Status() types.PipelineStatus {
	state := p.ctrl.State()
	return types.PipelineStatus{
		State:            state.String(),
		FramesCaptured:   p.ctrl.Captured(),
		FramesDropped:    p.ctrl.Dropped() + p.dropped.Load(),
		ResultsPublished: p.published.Load(),
		CacheHits:        p.cache.Hits(),
		TargetFPS:        p.cfg.TargetFPS,
	}
}

func argmax(scores []float32, labels []string) (string, float64) {
	best, bestScore := -1, float32(-1)
	for i, s := range scores {
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || best >= len(labels) {
		return "", 0
	}
	return labels[best], float64(bestScore)
}

// Classify maps a stage error to its wire-level kind. Unrecognized errors
// map to the empty kind and are surfaced as plain internal errors.
func Classify(err error) types.ErrorKind {
	switch {
	case preprocess.IsInvalidInput(err):
		return types.ErrKindInvalidInput
	case infer.IsExecutionTimeout(err):
		return types.ErrKindExecutionTimeout
	case infer.IsThermalThrottled(err):
		return types.ErrKindThermalThrottled
	case infer.IsDropped(err):
		return types.ErrKindDropped
	case infer.IsTooBusy(err):
		return types.ErrKindTooBusy
	case infer.IsAccelUnavailable(err):
		return types.ErrKindAccelUnavailable
	case modelstore.IsInsufficientMemory(err):
		return types.ErrKindInsufficientMem
	case modelstore.IsModelLoadFailed(err):
		return types.ErrKindModelLoadFailed
	}
	return ""
}
