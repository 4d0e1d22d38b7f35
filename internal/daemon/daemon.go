// Package daemon ties the store, monitor, and pipeline together behind the
// HTTP service surface and owns the background pressure-relief loop.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"detectd/internal/config"
	"detectd/internal/modelstore"
	"detectd/internal/pipeline"
	"detectd/internal/resource"
	"detectd/pkg/types"
)

// Daemon implements httpapi.Service over the assembled components.
type Daemon struct {
	log     zerolog.Logger
	cfg     *config.Config
	store   *modelstore.Store
	monitor *resource.Monitor
	pipe    *pipeline.Pipeline
	started time.Time

	runCtx context.Context
}

// New assembles the service facade. Run must be called before the pipeline
// endpoints are used.
func New(cfg *config.Config, store *modelstore.Store, monitor *resource.Monitor, pipe *pipeline.Pipeline, log zerolog.Logger) *Daemon {
	return &Daemon{
		log:     log.With().Str("component", "daemon").Logger(),
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		pipe:    pipe,
		started: time.Now(),
		runCtx:  context.Background(),
	}
}

// Run anchors pipeline lifetimes to ctx and starts the pressure-relief
// loop. It does not block.
func (d *Daemon) Run(ctx context.Context) {
	d.runCtx = ctx
	go d.relievePressure(ctx)
}

// relievePressure evicts idle model handles whenever memory pressure
// crosses the critical fraction, so the budget invariant is restored
// without waiting for the next load.
func (d *Daemon) relievePressure(ctx context.Context) {
	sub, unsubscribe := d.monitor.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-sub:
			if tr.To == types.ThermalCritical {
				d.evictIfPressured()
			}
		case <-ticker.C:
			d.evictIfPressured()
		}
	}
}

func (d *Daemon) evictIfPressured() {
	st := d.monitor.Current()
	if d.cfg.CriticalPressure > 0 && st.MemoryPressure >= d.cfg.CriticalPressure {
		d.log.Warn().Float64("pressure", st.MemoryPressure).Msg("memory pressure critical, evicting idle handles")
		d.store.EvictUnderPressure(st.MemoryPressure)
	}
}

// Models lists the registry contents.
func (d *Daemon) Models() []types.ModelInfo { return d.store.Models() }

// Ready reports whether the default model is known to the registry.
func (d *Daemon) Ready() bool {
	for _, m := range d.store.Models() {
		if m.ID == d.cfg.DefaultModel {
			return true
		}
	}
	return false
}

// Status snapshots pipeline, resource, and store state.
func (d *Daemon) Status() types.StatusResponse {
	handles, budgetMB, usedMB, evictions := d.store.Status()
	st := d.monitor.Current()
	return types.StatusResponse{
		Pipeline: d.pipe.Status(),
		Resource: types.ResourceStatus{
			Thermal:        st.Thermal.String(),
			MemoryPressure: st.MemoryPressure,
			Degraded:       d.monitor.Degraded(),
		},
		Handles:        handles,
		BudgetMB:       budgetMB,
		UsedMB:         usedMB,
		EvictionsTotal: evictions,
		UptimeSeconds:  int64(time.Since(d.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
}

// Detect runs a one-shot detection through the pipeline stages.
func (d *Daemon) Detect(ctx context.Context, frame types.Frame) (types.DetectionResult, bool, error) {
	return d.pipe.Detect(ctx, frame)
}

// Subscribe attaches a consumer to the live detection stream.
func (d *Daemon) Subscribe() (<-chan types.StreamEvent, func()) {
	return d.pipe.Subscribe()
}

// StartPipeline launches capture and processing under the daemon's run
// context, so an HTTP request ending does not tear the pipeline down.
func (d *Daemon) StartPipeline() error {
	return d.pipe.Start(d.runCtx)
}

// StopPipeline halts capture and processing.
func (d *Daemon) StopPipeline() { d.pipe.Stop() }

// Invalidate forces a reload of the model on next use after a registry
// rescan picks up the new artifact version.
func (d *Daemon) Invalidate(modelID string) error {
	if err := d.store.Rescan(); err != nil {
		d.log.Warn().Err(err).Msg("registry rescan failed during invalidation")
	}
	known := false
	for _, m := range d.store.Models() {
		if m.ID == modelID {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("model not found: %s", modelID)
	}
	d.store.Invalidate(modelID)
	return nil
}
