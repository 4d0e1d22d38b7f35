package resource

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"detectd/pkg/types"
)

// ManualSampler is a test/operator-driven signal source. Set replaces the
// state returned by subsequent Sample calls.
type ManualSampler struct {
	mu    sync.Mutex
	state types.ResourceState
	err   error
}

func NewManualSampler(initial types.ResourceState) *ManualSampler {
	return &ManualSampler{state: initial}
}

func (s *ManualSampler) Set(state types.ResourceState) {
	s.mu.Lock()
	s.state = state
	s.err = nil
	s.mu.Unlock()
}

// Fail makes Sample return err until the next Set.
func (s *ManualSampler) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *ManualSampler) Sample() (types.ResourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.ResourceState{}, s.err
	}
	return s.state, nil
}

// SystemSampler reads Linux procfs/sysfs signals: memory pressure from
// /proc/meminfo and thermal level from a thermal zone's millidegree reading.
type SystemSampler struct {
	MeminfoPath string
	ThermalPath string
	// Millidegree boundaries between nominal/fair/serious/critical.
	FairMilliC     int
	SeriousMilliC  int
	CriticalMilliC int
}

// NewSystemSampler returns a sampler with conventional paths and thresholds.
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{
		MeminfoPath:    "/proc/meminfo",
		ThermalPath:    "/sys/class/thermal/thermal_zone0/temp",
		FairMilliC:     60000,
		SeriousMilliC:  70000,
		CriticalMilliC: 80000,
	}
}

func (s *SystemSampler) Sample() (types.ResourceState, error) {
	pressure, err := readMemoryPressure(s.MeminfoPath)
	if err != nil {
		return types.ResourceState{}, err
	}
	level, err := s.readThermalLevel()
	if err != nil {
		return types.ResourceState{}, err
	}
	return types.ResourceState{Thermal: level, MemoryPressure: pressure}, nil
}

func (s *SystemSampler) readThermalLevel() (types.ThermalLevel, error) {
	b, err := os.ReadFile(s.ThermalPath)
	if err != nil {
		return types.ThermalNominal, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return types.ThermalNominal, fmt.Errorf("thermal zone: %w", err)
	}
	switch {
	case milli >= s.CriticalMilliC:
		return types.ThermalCritical, nil
	case milli >= s.SeriousMilliC:
		return types.ThermalSerious, nil
	case milli >= s.FairMilliC:
		return types.ThermalFair, nil
	}
	return types.ThermalNominal, nil
}

// readMemoryPressure computes 1 - MemAvailable/MemTotal from meminfo.
func readMemoryPressure(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var totalKB, availKB int64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if totalKB <= 0 {
		return 0, fmt.Errorf("meminfo: missing MemTotal")
	}
	pressure := 1.0 - float64(availKB)/float64(totalKB)
	if pressure < 0 {
		pressure = 0
	}
	if pressure > 1 {
		pressure = 1
	}
	return pressure, nil
}
