// Package modelstore caches loaded model handles under a memory budget.
// It is the only state shared between pipeline instances; every mutation
// goes through the store's lock.
package modelstore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"detectd/internal/registry"
	"detectd/pkg/types"
)

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "modelstore",
		Name:      "loads_total",
		Help:      "Total model artifact loads",
	})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "modelstore",
		Name:      "evictions_total",
		Help:      "Total handle evictions (LRU, pressure, or invalidation)",
	})
	residentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detectd",
		Subsystem: "modelstore",
		Name:      "resident_mb",
		Help:      "Estimated resident footprint of cached handles in MB",
	})
)

func init() {
	prometheus.MustRegister(loadsTotal, evictionsTotal, residentGauge)
}

// Handle is an in-memory reference to a loaded, ready-to-execute artifact.
// It is shared read-only by concurrent executor calls; mutable bookkeeping
// (lastUsed, inflight) is guarded by the owning store's lock.
type Handle struct {
	ModelID     string
	Version     string
	Path        string
	Channels    int
	Height      int
	Width       int
	Mean        []float64
	Scale       []float64
	Labels      []string
	FootprintMB int
	LoadedAt    time.Time

	lastUsed time.Time
	inflight int
	stale    bool
}

// InputShape returns the declared channels/height/width contract.
func (h *Handle) InputShape() (c, height, width int) { return h.Channels, h.Height, h.Width }

// Store is the model manager: it loads, version-checks, and caches compiled
// artifacts, evicting least-recently-used entries to respect the budget.
type Store struct {
	log      zerolog.Logger
	dir      string
	budgetMB int

	mu        sync.Mutex
	artifacts []registry.Artifact
	handles   map[string]*Handle
	usedMB    int
	evictions uint64
	loads     uint64
}

// New builds a store over the artifacts discovered in dir. budgetMB of 0
// means unlimited.
func New(dir string, artifacts []registry.Artifact, budgetMB int, log zerolog.Logger) *Store {
	return &Store{
		log:       log.With().Str("component", "modelstore").Logger(),
		dir:       dir,
		budgetMB:  budgetMB,
		artifacts: artifacts,
		handles:   make(map[string]*Handle),
	}
}

// Models lists the known artifacts.
func (s *Store) Models() []types.ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ModelInfo, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a.Info())
	}
	return out
}

// Acquire returns a pinned handle for modelID, loading it on first use or
// after invalidation. The release func must be called when the inference
// completes; a pinned handle is never evicted.
func (s *Store) Acquire(modelID string) (*Handle, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, ok := registry.FindByID(s.artifacts, modelID)
	if !ok {
		return nil, nil, ErrModelLoadFailed(modelID, fmt.Errorf("not in registry"))
	}

	h := s.handles[modelID]
	if h != nil && !h.stale && h.Version == art.Manifest.Version {
		return s.pinLocked(h), s.releaseFunc(h), nil
	}

	fresh, err := s.loadLocked(art)
	if err != nil {
		if h != nil {
			// Reload failed: keep serving the previous handle rather than
			// taking detections offline. The stale flag stays set so the
			// next acquire retries.
			s.log.Warn().Err(err).Str("model", modelID).Msg("reload failed, serving previous handle")
			return s.pinLocked(h), s.releaseFunc(h), nil
		}
		return nil, nil, err
	}
	if h != nil {
		s.dropLocked(h, "replaced")
	}
	s.handles[modelID] = fresh
	s.usedMB += fresh.FootprintMB
	residentGauge.Set(float64(s.usedMB))
	return s.pinLocked(fresh), s.releaseFunc(fresh), nil
}

// Invalidate forces a reload of modelID on next use. Unknown ids are a
// no-op: the next Acquire will fail with model_load_failed anyway.
func (s *Store) Invalidate(modelID string) {
	s.mu.Lock()
	if h := s.handles[modelID]; h != nil {
		h.stale = true
	}
	s.mu.Unlock()
	s.log.Info().Str("model", modelID).Msg("model invalidated, will reload on next use")
}

// Rescan refreshes the registry snapshot from disk, picking up new artifact
// versions for subsequent version checks.
func (s *Store) Rescan() error {
	artifacts, err := registry.LoadDir(s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.artifacts = artifacts
	s.mu.Unlock()
	return nil
}

// loadLocked reads and validates one artifact into a fresh handle, evicting
// idle LRU handles as needed to respect the budget. Caller holds mu.
func (s *Store) loadLocked(art registry.Artifact) (*Handle, error) {
	m := art.Manifest
	if err := m.Validate(); err != nil {
		return nil, ErrModelLoadFailed(m.ID, err)
	}
	fi, err := os.Stat(art.Path)
	if err != nil || fi.IsDir() || fi.Size() == 0 {
		if err == nil {
			err = fmt.Errorf("artifact missing or empty")
		}
		return nil, ErrModelLoadFailed(m.ID, err)
	}
	if err := s.evictUntilFitsLocked(m.ID, m.FootprintMB); err != nil {
		return nil, err
	}
	now := time.Now()
	s.loads++
	loadsTotal.Inc()
	s.log.Info().Str("model", m.ID).Str("version", m.Version).Int("footprint_mb", m.FootprintMB).Msg("model loaded")
	return &Handle{
		ModelID:     m.ID,
		Version:     m.Version,
		Path:        art.Path,
		Channels:    m.Input.Channels,
		Height:      m.Input.Height,
		Width:       m.Input.Width,
		Mean:        append([]float64(nil), m.Mean...),
		Scale:       append([]float64(nil), m.Scale...),
		Labels:      append([]string(nil), m.Labels...),
		FootprintMB: m.FootprintMB,
		LoadedAt:    now,
		lastUsed:    now,
	}, nil
}

func (s *Store) pinLocked(h *Handle) *Handle {
	h.inflight++
	h.lastUsed = time.Now()
	return h
}

func (s *Store) releaseFunc(h *Handle) func() {
	return func() {
		s.mu.Lock()
		if h.inflight > 0 {
			h.inflight--
		}
		h.lastUsed = time.Now()
		s.mu.Unlock()
	}
}

// dropLocked removes a handle from the cache and adjusts accounting.
// Caller holds mu.
func (s *Store) dropLocked(h *Handle, reason string) {
	delete(s.handles, h.ModelID)
	s.usedMB -= h.FootprintMB
	if s.usedMB < 0 {
		s.usedMB = 0
	}
	s.evictions++
	evictionsTotal.Inc()
	residentGauge.Set(float64(s.usedMB))
	s.log.Info().Str("model", h.ModelID).Str("reason", reason).Int("resident_mb", s.usedMB).Msg("handle evicted")
}
