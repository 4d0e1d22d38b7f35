package modelstore

// evictUntilFitsLocked removes idle LRU handles until requiredMB fits the
// budget. Handles with in-flight inferences are never evicted. Caller
// holds mu.
func (s *Store) evictUntilFitsLocked(forID string, requiredMB int) error {
	if s.budgetMB <= 0 {
		return nil
	}
	for s.usedMB+requiredMB > s.budgetMB {
		lru := s.idleLRULocked()
		if lru == nil {
			return insufficientMemoryError{id: forID, requiredMB: requiredMB, budgetMB: s.budgetMB}
		}
		s.dropLocked(lru, "lru")
	}
	return nil
}

// EvictUnderPressure is invoked on the monitor's critical-pressure
// notification: it evicts idle LRU handles until the resident footprint is
// at or below the budget. With no budget configured it evicts all idle
// handles, since pressure means the process must shrink regardless.
func (s *Store) EvictUnderPressure(pressureFraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for {
		if s.budgetMB > 0 && s.usedMB <= s.budgetMB {
			break
		}
		lru := s.idleLRULocked()
		if lru == nil {
			break
		}
		s.dropLocked(lru, "pressure")
		evicted++
		if s.budgetMB <= 0 {
			continue // unlimited budget: keep going until no idle handles remain
		}
	}
	if evicted > 0 {
		s.log.Warn().
			Float64("pressure", pressureFraction).
			Int("evicted", evicted).
			Int("resident_mb", s.usedMB).
			Msg("evicted handles under memory pressure")
	}
}

// idleLRULocked picks the least-recently-used handle with no in-flight
// inference. Caller holds mu.
func (s *Store) idleLRULocked() *Handle {
	var lru *Handle
	for _, h := range s.handles {
		if h.inflight > 0 {
			continue
		}
		if lru == nil || h.lastUsed.Before(lru.lastUsed) {
			lru = h
		}
	}
	return lru
}
