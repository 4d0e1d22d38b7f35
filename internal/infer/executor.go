// Package infer runs model forward passes under the adaptive execution
// policy: batch size, acceleration, and confidence scaling follow the
// current thermal level, with a bounded admission queue in front of a
// single in-flight inference slot.
package infer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"detectd/internal/modelstore"
	"detectd/pkg/types"
)

var (
	inferTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "infer",
		Name:      "executions_total",
		Help:      "Completed inference executions by quality mode",
	}, []string{"quality"})
	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "infer",
		Name:      "timeouts_total",
		Help:      "Inference calls that exceeded their deadline",
	})
	throttledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "infer",
		Name:      "throttled_rejects_total",
		Help:      "Calls rejected without execution at the critical thermal level",
	})
	fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "infer",
		Name:      "accel_fallbacks_total",
		Help:      "Accelerated-path failures transparently retried on baseline",
	})
	latencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "detectd",
		Subsystem: "infer",
		Name:      "latency_seconds",
		Help:      "Inference wall time",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(inferTotal, timeoutsTotal, throttledTotal, fallbacksTotal, latencySeconds)
}

// StateSource is the slice of the resource monitor the executor reads.
type StateSource interface {
	Current() types.ResourceState
}

// Config carries the executor's static knobs.
type Config struct {
	MaxBatch         int
	Deadline         time.Duration // default per-call deadline
	QueueDepth       int           // admission queue capacity
	DropWhenBusy     bool          // shed instead of waiting when the queue is full
	MaxWait          time.Duration // queue wait bound when not shedding
	CriticalPressure float64       // memory-pressure fraction folded into severity
	ForceBaseline    bool          // acceleration_mode=force_off: never open an accelerated session
}

// Output is the result of one Execute call.
type Output struct {
	Scores         []float32
	Quality        types.QualityMode
	ThresholdScale float64
	Elapsed        time.Duration
}

// Executor serializes inference for one pipeline instance: a bounded FIFO
// admission queue feeds a single in-flight slot, so results complete in
// admission order and a slow model never piles up goroutines.
type Executor struct {
	log    zerolog.Logger
	states StateSource
	cfg    Config

	queueCh chan struct{}
	genCh   chan struct{}

	breaker   *gobreaker.CircuitBreaker
	openAccel AccelOpener

	mu    sync.Mutex
	accel map[string]Runtime // modelID@version -> open session
}

// New constructs an executor. openAccel may be nil, in which case the
// default onnxruntime opener (or its build-tag stub) is used.
func New(states StateSource, cfg Config, openAccel AccelOpener, log zerolog.Logger) *Executor {
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 100 * time.Millisecond
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = cfg.Deadline
	}
	if openAccel == nil {
		openAccel = NewONNXRuntime
	}
	e := &Executor{
		log:       log.With().Str("component", "infer").Logger(),
		states:    states,
		cfg:       cfg,
		queueCh:   make(chan struct{}, cfg.QueueDepth),
		genCh:     make(chan struct{}, 1),
		openAccel: openAccel,
		accel:     make(map[string]Runtime),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "accel",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(_ string, from, to gobreaker.State) {
			e.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("accel breaker state change")
		},
	})
	return e
}

// PolicyNow evaluates the execution policy against the current resource
// state. Exposed so the pipeline can apply the same threshold scaling to
// cached results.
func (e *Executor) PolicyNow() Policy {
	return PolicyFor(e.states.Current().Severity(e.cfg.CriticalPressure), e.cfg.MaxBatch)
}

// Execute runs one forward pass for the tensor against the handle's model.
// A zero deadline uses the configured default. The policy is evaluated once
// at entry; Critical rejects the call before any work is done.
func (e *Executor) Execute(ctx context.Context, tensor types.Tensor, h *modelstore.Handle, deadline time.Duration) (Output, error) {
	pol := e.PolicyNow()
	if pol.RejectNew {
		throttledTotal.Inc()
		return Output{}, thermalThrottledError{}
	}

	release, err := e.admit(ctx, h.ModelID)
	if err != nil {
		return Output{}, err
	}
	defer release()

	if deadline <= 0 {
		deadline = e.cfg.Deadline
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	quality := pol.Quality()
	opts := RunOptions{BatchSize: pol.BatchSize, Throttled: pol.Acceleration == AccelThrottledState}

	var rt Runtime
	if pol.Acceleration == AccelDisabled || e.cfg.ForceBaseline {
		rt = NewBaseline(len(h.Labels))
		quality = types.QualityBaseline
	} else {
		rt, err = e.accelRuntime(h)
		if err != nil {
			e.log.Debug().Err(err).Str("model", h.ModelID).Msg("accelerated path unavailable, using baseline")
			fallbacksTotal.Inc()
			rt = NewBaseline(len(h.Labels))
			quality = types.QualityBaseline
		}
	}

	scores, err := e.run(cctx, rt, tensor, opts)
	if err != nil && IsAccelUnavailable(err) && quality != types.QualityBaseline {
		// Accelerated session failed mid-run; retry once on baseline.
		e.log.Warn().Err(err).Str("model", h.ModelID).Msg("accelerated run failed, retrying on baseline")
		fallbacksTotal.Inc()
		quality = types.QualityBaseline
		scores, err = e.run(cctx, NewBaseline(len(h.Labels)), tensor, opts)
	}
	if err != nil {
		return Output{}, e.mapErr(err, h.ModelID)
	}

	elapsed := time.Since(start)
	inferTotal.WithLabelValues(string(quality)).Inc()
	latencySeconds.Observe(elapsed.Seconds())
	return Output{Scores: scores, Quality: quality, ThresholdScale: pol.ThresholdScale, Elapsed: elapsed}, nil
}

// run executes the runtime in its own goroutine so the deadline holds even
// against a runtime that ignores context.
func (e *Executor) run(ctx context.Context, rt Runtime, tensor types.Tensor, opts RunOptions) ([]float32, error) {
	type result struct {
		scores []float32
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := rt.Infer(ctx, tensor, opts)
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		return r.scores, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// mapErr converts context errors into the executor's typed errors.
func (e *Executor) mapErr(err error, modelID string) error {
	switch err {
	case context.DeadlineExceeded:
		timeoutsTotal.Inc()
		return executionTimeoutError{modelID: modelID}
	case context.Canceled:
		if e.states.Current().Severity(e.cfg.CriticalPressure) == types.ThermalCritical {
			return thermalThrottledError{}
		}
		return err
	}
	return err
}

// admit reserves a queue slot and then the single in-flight slot, returning
// a release func to be deferred.
func (e *Executor) admit(ctx context.Context, modelID string) (func(), error) {
	if e.cfg.DropWhenBusy {
		select {
		case e.queueCh <- struct{}{}:
		default:
			return func() {}, droppedError{modelID: modelID}
		}
	} else {
		select {
		case e.queueCh <- struct{}{}:
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-time.After(e.cfg.MaxWait):
			return func() {}, tooBusyError{modelID: modelID}
		}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-e.queueCh
		}
	}()
	select {
	case e.genCh <- struct{}{}:
		acquired = true
		return func() { <-e.genCh; <-e.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-time.After(e.cfg.MaxWait):
		return func() {}, tooBusyError{modelID: modelID}
	}
}

// accelRuntime returns the cached accelerated session for the handle's
// version, opening one through the circuit breaker on first use. Older
// versions of the same model are closed when a new version appears.
func (e *Executor) accelRuntime(h *modelstore.Handle) (Runtime, error) {
	key := h.ModelID + "@" + h.Version
	e.mu.Lock()
	if rt, ok := e.accel[key]; ok {
		e.mu.Unlock()
		return rt, nil
	}
	e.mu.Unlock()

	v, err := e.breaker.Execute(func() (any, error) { return e.openAccel(h) })
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrAccelUnavailable("accelerated runtime circuit open")
		}
		return nil, err
	}
	rt := v.(Runtime)

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.accel[key]; ok {
		go rt.Close()
		return cur, nil
	}
	for k, old := range e.accel {
		if strings.HasPrefix(k, h.ModelID+"@") {
			go old.Close()
			delete(e.accel, k)
		}
	}
	e.accel[key] = rt
	return rt, nil
}

// Close releases all open accelerated sessions.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, rt := range e.accel {
		if err := rt.Close(); err != nil {
			e.log.Warn().Err(err).Str("session", k).Msg("close accel session")
		}
		delete(e.accel, k)
	}
	return nil
}
