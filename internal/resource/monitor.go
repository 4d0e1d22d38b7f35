// Package resource observes device thermal level and memory pressure and
// republishes debounced state transitions to pipeline subscribers.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"detectd/pkg/types"
)

var (
	thermalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detectd",
		Subsystem: "resource",
		Name:      "thermal_level",
		Help:      "Current thermal level (0=nominal .. 3=critical)",
	})
	pressureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detectd",
		Subsystem: "resource",
		Name:      "memory_pressure",
		Help:      "Memory pressure fraction in [0,1]",
	})
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "resource",
		Name:      "transitions_total",
		Help:      "Thermal level transitions published to subscribers",
	}, []string{"to"})
)

func init() {
	prometheus.MustRegister(thermalGauge, pressureGauge, transitionsTotal)
}

// Sampler reads the raw OS signals backing the monitor.
type Sampler interface {
	Sample() (types.ResourceState, error)
}

// Transition is one published severity change.
type Transition struct {
	From types.ThermalLevel
	To   types.ThermalLevel
}

// Options tunes the monitor loop.
type Options struct {
	// PollInterval between sampler reads. Default 500ms.
	PollInterval time.Duration
	// Hysteresis is the debounce window: a recovery (move to lower
	// severity) is published only after the improved reading has held for
	// this long. Escalations publish immediately.
	Hysteresis time.Duration
}

// Monitor polls a Sampler and notifies subscribers of debounced severity
// transitions. Construct with New and pass by reference; there is no
// package-level singleton.
type Monitor struct {
	log     zerolog.Logger
	sampler Sampler
	opts    Options

	mu          sync.RWMutex
	state       types.ResourceState
	degraded    bool
	subs        map[int]chan Transition
	nextSubID   int
	pendingLow  *types.ResourceState // candidate recovery awaiting hysteresis
	pendingFrom time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a stopped monitor. Call Start to begin sampling.
func New(sampler Sampler, opts Options, log zerolog.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Hysteresis <= 0 {
		opts.Hysteresis = 2 * time.Second
	}
	return &Monitor{
		log:     log.With().Str("component", "resource-monitor").Logger(),
		sampler: sampler,
		opts:    opts,
		state:   types.ResourceState{Thermal: types.ThermalNominal, ObservedAt: time.Now()},
		subs:    make(map[int]chan Transition),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Current returns the last debounced state.
func (m *Monitor) Current() types.ResourceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Degraded reports whether the OS signal source is unavailable and the
// monitor is defaulting to nominal.
func (m *Monitor) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// Subscribe registers for state transitions. The returned cancel func must
// be called on teardown; the monitor holds no reference after that. Slow
// subscribers miss transitions rather than blocking the monitor.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Transition, 8)
	m.subs[id] = ch
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Start launches the sampling loop. The loop exits when ctx is canceled or
// Close is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Close stops the loop and waits for it to exit.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	warnedDegraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		sampled, err := m.sampler.Sample()
		if err != nil {
			// Degraded capability: default to nominal, warn once per episode.
			m.mu.Lock()
			m.degraded = true
			m.mu.Unlock()
			if !warnedDegraded {
				m.log.Warn().Err(err).Msg("resource signal unavailable, defaulting to nominal")
				warnedDegraded = true
			}
			m.apply(types.ResourceState{Thermal: types.ThermalNominal, ObservedAt: time.Now()})
			continue
		}
		if warnedDegraded {
			m.log.Info().Msg("resource signal recovered")
			warnedDegraded = false
		}
		m.mu.Lock()
		m.degraded = false
		m.mu.Unlock()
		sampled.ObservedAt = time.Now()
		m.apply(sampled)
	}
}

// apply debounces and publishes one sampled state. Escalations take effect
// immediately; recoveries must hold for the hysteresis window so that a
// sensor oscillating across a level boundary does not thrash policy.
func (m *Monitor) apply(next types.ResourceState) {
	m.mu.Lock()
	prev := m.state

	switch {
	case next.Thermal > prev.Thermal:
		m.pendingLow = nil
		m.commitLocked(prev, next)
	case next.Thermal < prev.Thermal:
		if m.pendingLow == nil || m.pendingLow.Thermal != next.Thermal {
			cp := next
			m.pendingLow = &cp
			m.pendingFrom = time.Now()
			// keep publishing fresh pressure readings at the old level
			held := prev
			held.MemoryPressure = next.MemoryPressure
			held.ObservedAt = next.ObservedAt
			m.state = held
		} else if time.Since(m.pendingFrom) >= m.opts.Hysteresis {
			m.pendingLow = nil
			m.commitLocked(prev, next)
		}
	default:
		m.pendingLow = nil
		m.state = next
	}
	state := m.state
	m.mu.Unlock()

	thermalGauge.Set(float64(state.Thermal))
	pressureGauge.Set(state.MemoryPressure)
}

// commitLocked replaces the state and fans the transition out. Caller holds mu.
func (m *Monitor) commitLocked(from, to types.ResourceState) {
	m.state = to
	tr := Transition{From: from.Thermal, To: to.Thermal}
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	transitionsTotal.WithLabelValues(to.Thermal.String()).Inc()
	m.log.Info().
		Str("from", from.Thermal.String()).
		Str("to", to.Thermal.String()).
		Float64("pressure", to.MemoryPressure).
		Msg("resource state transition")
}
