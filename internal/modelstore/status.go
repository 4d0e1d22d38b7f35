package modelstore

import "detectd/pkg/types"

// Status reports the cache contents for GET /status.
func (s *Store) Status() (handles []types.HandleStatus, budgetMB, usedMB int, evictions uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles = make([]types.HandleStatus, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, types.HandleStatus{
			ModelID:     h.ModelID,
			Version:     h.Version,
			FootprintMB: h.FootprintMB,
			LastUsed:    h.lastUsed.Unix(),
			InFlight:    h.inflight,
			LoadedAt:    h.LoadedAt.Unix(),
		})
	}
	return handles, s.budgetMB, s.usedMB, s.evictions
}

// ResidentMB returns the current footprint estimate.
func (s *Store) ResidentMB() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedMB
}
