package types

import "time"

// ThermalLevel is the device-reported heat-stress category used to gate
// execution policy. Levels are totally ordered by severity.
type ThermalLevel int

const (
	ThermalNominal ThermalLevel = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

func (l ThermalLevel) String() string {
	switch l {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	}
	return "unknown"
}

// ParseThermalLevel maps a level name back to its value. Unknown names map
// to ThermalNominal, matching the monitor's degraded-signal default.
func ParseThermalLevel(s string) ThermalLevel {
	switch s {
	case "fair":
		return ThermalFair
	case "serious":
		return ThermalSerious
	case "critical":
		return ThermalCritical
	}
	return ThermalNominal
}

// ResourceState is the monitor's view of the device. Mutated only by the
// resource monitor; read-only everywhere else.
type ResourceState struct {
	Thermal        ThermalLevel
	MemoryPressure float64 // fraction of available memory consumed, [0,1]
	ObservedAt     time.Time
}

// Severity folds thermal level and memory pressure into a single ordered
// rank for policy lookup. Memory pressure at or above the critical fraction
// is treated as Critical regardless of thermal level.
func (s ResourceState) Severity(criticalPressure float64) ThermalLevel {
	if criticalPressure > 0 && s.MemoryPressure >= criticalPressure {
		return ThermalCritical
	}
	return s.Thermal
}

// PixelFormat identifies the layout of a raw frame buffer.
type PixelFormat int

const (
	PixelRGB  PixelFormat = iota // 3 bytes per pixel, row-major
	PixelBGR                     // OpenCV channel order
	PixelGray                    // 1 byte per pixel
)

// Channels returns bytes per pixel for the format.
func (f PixelFormat) Channels() int {
	if f == PixelGray {
		return 1
	}
	return 3
}

// Frame is one captured image. It is ephemeral: produced by the capture
// controller, consumed by the preprocessor within a single pipeline tick,
// and never retained across iterations.
type Frame struct {
	Seq         uint64
	Pixels      []byte
	Width       int
	Height      int
	Format      PixelFormat
	Orientation int // clockwise rotation in degrees: 0, 90, 180, 270
	CapturedAt  time.Time
}

// Empty reports whether the frame carries no usable pixel data.
func (f *Frame) Empty() bool {
	return f == nil || len(f.Pixels) == 0 || f.Width <= 0 || f.Height <= 0
}

// Tensor is a normalized CHW float32 input owned by the executor for the
// duration of one inference call.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Len returns the expected element count for the declared shape.
func (t *Tensor) Len() int { return t.Channels * t.Height * t.Width }

// BoundingRegion is an optional axis-aligned box in source-frame pixels.
type BoundingRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// QualityMode records which execution path produced a result.
type QualityMode string

const (
	QualityAccelerated QualityMode = "accelerated"
	QualityThrottled   QualityMode = "throttled"
	QualityBaseline    QualityMode = "baseline"
)

// DetectionResult is one confidence-scored classification. Ownership
// transfers to the caller on emission; the pipeline keeps at most a
// prediction-cache copy.
type DetectionResult struct {
	ID         string          `json:"id"`
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Region     *BoundingRegion `json:"region,omitempty"`
	ModelID    string          `json:"model_id"`
	FrameSeq   uint64          `json:"frame_seq"`
	CapturedAt time.Time       `json:"captured_at"`
	Processing time.Duration   `json:"processing_ns"`
	Quality    QualityMode     `json:"quality"`
	CacheHit   bool            `json:"cache_hit"`
}
