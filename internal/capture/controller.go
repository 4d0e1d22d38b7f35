// Package capture drives the frame acquisition loop: paced capture from a
// FrameSource, backpressure by dropping (never queueing) frames, and a
// thermal-aware state machine Idle -> Running -> Throttled -> Stopped.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"detectd/internal/resource"
	"detectd/pkg/types"
)

var (
	capturedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Frames delivered downstream",
	})
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "capture",
		Name:      "drops_total",
		Help:      "Frames dropped by backpressure or throttling",
	})
	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detectd",
		Subsystem: "capture",
		Name:      "state",
		Help:      "Controller state (0 idle, 1 running, 2 throttled, 3 stopped)",
	})
)

func init() {
	prometheus.MustRegister(capturedTotal, droppedTotal, stateGauge)
}

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Throttled
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Throttled:
		return "throttled"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Signals is the slice of the resource monitor the controller consumes.
type Signals interface {
	Current() types.ResourceState
	Subscribe() (<-chan resource.Transition, func())
}

// Config carries the controller's static knobs.
type Config struct {
	TargetFPS        float64       // nominal capture rate
	OutDepth         int           // downstream channel capacity, default 4
	DropRateLimit    float64       // drop fraction over the window that triggers throttling
	Window           time.Duration // sliding drop-rate window, default 2s
	CriticalGrace    time.Duration // time at Critical before the controller gives up
	CriticalPressure float64       // memory-pressure fraction folded into severity
}

// Controller paces a FrameSource and publishes frames on a bounded channel.
// When the consumer falls behind, frames are dropped, never queued beyond
// the channel's depth.
type Controller struct {
	log     zerolog.Logger
	src     FrameSource
	signals Signals
	cfg     Config

	out chan types.Frame

	mu       sync.Mutex
	state    State
	stopCh   chan struct{}
	loopDone chan struct{}

	seq      atomic.Uint64
	captured atomic.Uint64
	dropped  atomic.Uint64

	// sliding drop-rate window, touched only by the loop goroutine
	winStart time.Time
	winTotal int
	winDrops int
}

// New constructs an idle controller.
func New(src FrameSource, signals Signals, cfg Config, log zerolog.Logger) *Controller {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 15
	}
	if cfg.OutDepth < 1 {
		cfg.OutDepth = 4
	}
	if cfg.DropRateLimit <= 0 {
		cfg.DropRateLimit = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.CriticalGrace <= 0 {
		cfg.CriticalGrace = 10 * time.Second
	}
	return &Controller{
		log:     log.With().Str("component", "capture").Logger(),
		src:     src,
		signals: signals,
		cfg:     cfg,
		out:     make(chan types.Frame, cfg.OutDepth),
		state:   Idle,
	}
}

// Frames is the downstream channel. It is never closed; consumers select
// against their own context.
func (c *Controller) Frames() <-chan types.Frame { return c.out }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Captured returns the number of frames delivered downstream.
func (c *Controller) Captured() uint64 { return c.captured.Load() }

// Dropped returns the observable drop counter.
func (c *Controller) Dropped() uint64 { return c.dropped.Load() }

// Start moves Idle or Stopped to Running and launches the capture loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Running || c.state == Throttled {
		c.mu.Unlock()
		return fmt.Errorf("capture already running")
	}
	c.state = Running
	c.stopCh = make(chan struct{})
	c.loopDone = make(chan struct{})
	stopCh, loopDone := c.stopCh, c.loopDone
	c.mu.Unlock()
	stateGauge.Set(float64(Running))

	go c.loop(ctx, stopCh, loopDone)
	return nil
}

// Stop moves the controller to Stopped and waits for the loop to exit.
// Counters survive for inspection; Start may be called again.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != Running && c.state != Throttled {
		c.mu.Unlock()
		return
	}
	stopCh, loopDone := c.stopCh, c.loopDone
	c.mu.Unlock()
	close(stopCh)
	<-loopDone
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		stateGauge.Set(float64(s))
		c.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("capture state change")
	}
}

func (c *Controller) loop(ctx context.Context, stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	interval := time.Duration(float64(time.Second) / c.cfg.TargetFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sub, unsubscribe := c.signals.Subscribe()
	defer unsubscribe()

	var criticalSince time.Time
	c.winStart = time.Now()
	c.winTotal, c.winDrops = 0, 0

	for {
		select {
		case <-ctx.Done():
			c.setState(Stopped)
			return
		case <-stopCh:
			c.setState(Stopped)
			return
		case tr := <-sub:
			if c.applyLevel(tr.To, &criticalSince, ticker, interval) {
				return
			}
		case tickAt := <-ticker.C:
			sev := c.signals.Current().Severity(c.cfg.CriticalPressure)
			if c.applyLevel(sev, &criticalSince, ticker, interval) {
				return
			}

			frame, err := c.src.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.setState(Stopped)
					return
				}
				c.log.Warn().Err(err).Msg("frame source error")
				continue
			}
			frame.Seq = c.seq.Add(1)
			frame.CapturedAt = time.Now()

			// A frame arriving after its throttled slot has passed is
			// already stale; discard rather than queue it.
			late := c.State() == Throttled && time.Since(tickAt) > interval
			if late {
				c.drop()
				continue
			}

			select {
			case c.out <- frame:
				c.captured.Add(1)
				capturedTotal.Inc()
				c.winTotal++
			default:
				c.drop()
			}
			c.rollWindow(sev, ticker, interval)
		}
	}
}

func (c *Controller) drop() {
	c.dropped.Add(1)
	droppedTotal.Inc()
	c.winTotal++
	c.winDrops++
}

// applyLevel folds a thermal level into the state machine. Returns true
// when the loop must exit (unrecoverable Critical beyond the grace period).
func (c *Controller) applyLevel(level types.ThermalLevel, criticalSince *time.Time, ticker *time.Ticker, interval time.Duration) bool {
	switch level {
	case types.ThermalCritical:
		if criticalSince.IsZero() {
			*criticalSince = time.Now()
		} else if time.Since(*criticalSince) >= c.cfg.CriticalGrace {
			c.log.Warn().Dur("grace", c.cfg.CriticalGrace).Msg("critical thermal level exceeded grace period, stopping capture")
			c.setState(Stopped)
			return true
		}
		c.throttle(ticker, interval)
	case types.ThermalSerious:
		*criticalSince = time.Time{}
		c.throttle(ticker, interval)
	default: // Nominal, Fair
		*criticalSince = time.Time{}
		if c.State() == Throttled && !c.dropRateHigh() {
			c.setState(Running)
			ticker.Reset(interval)
		}
	}
	return false
}

func (c *Controller) throttle(ticker *time.Ticker, interval time.Duration) {
	if c.State() != Throttled {
		c.setState(Throttled)
		ticker.Reset(2 * interval) // halve the capture rate
	}
}

// rollWindow throttles on sustained drops and re-evaluates at each window
// boundary.
func (c *Controller) rollWindow(sev types.ThermalLevel, ticker *time.Ticker, interval time.Duration) {
	if c.winTotal >= 4 && c.dropRateHigh() && c.State() == Running {
		c.log.Warn().Int("drops", c.winDrops).Int("total", c.winTotal).Msg("drop rate over limit, throttling capture")
		c.throttle(ticker, interval)
	}
	if time.Since(c.winStart) < c.cfg.Window {
		return
	}
	highBefore := c.dropRateHigh()
	c.winStart = time.Now()
	c.winTotal, c.winDrops = 0, 0
	if highBefore && c.State() == Throttled && sev <= types.ThermalFair {
		// Window expired with the backlog cleared; resume full rate.
		c.setState(Running)
		ticker.Reset(interval)
	}
}

func (c *Controller) dropRateHigh() bool {
	if c.winTotal == 0 {
		return false
	}
	return float64(c.winDrops)/float64(c.winTotal) > c.cfg.DropRateLimit
}
