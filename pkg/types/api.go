package types

// ErrorKind names the typed error conditions surfaced to callers.
type ErrorKind string

const (
	ErrKindInvalidInput      ErrorKind = "invalid_input"
	ErrKindExecutionTimeout  ErrorKind = "execution_timeout"
	ErrKindThermalThrottled  ErrorKind = "thermal_throttled"
	ErrKindInsufficientMem   ErrorKind = "insufficient_memory"
	ErrKindModelLoadFailed   ErrorKind = "model_load_failed"
	ErrKindAccelUnavailable  ErrorKind = "hardware_acceleration_unavailable"
	ErrKindDropped           ErrorKind = "dropped"
	ErrKindTooBusy           ErrorKind = "too_busy"
)

// ModelInfo describes a discoverable model artifact for GET /models.
type ModelInfo struct {
	// Stable identifier for the model.
	// example: species-classifier
	ID string `json:"id" example:"species-classifier"`
	// Semantic version of the artifact.
	// example: 2.1.0
	Version string `json:"version" example:"2.1.0"`
	// Absolute path to the artifact on disk.
	Path string `json:"path"`
	// Declared input shape as channels, height, width.
	InputShape [3]int `json:"input_shape"`
	// Estimated resident footprint in MB.
	// example: 96
	FootprintMB int `json:"footprint_mb" example:"96"`
	// Classification labels, index-aligned with model outputs.
	Labels []string `json:"labels,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid image payload
	Error string `json:"error" example:"invalid image payload"`
	// Machine-readable error kind.
	// example: invalid_input
	Kind ErrorKind `json:"kind,omitempty" example:"invalid_input"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// HandleStatus summarizes one cached model handle for GET /status.
type HandleStatus struct {
	ModelID     string `json:"model_id"`
	Version     string `json:"version"`
	FootprintMB int    `json:"footprint_mb"`
	LastUsed    int64  `json:"last_used_unix"`
	InFlight    int    `json:"inflight"`
	LoadedAt    int64  `json:"loaded_at_unix"`
}

// ResourceStatus is the monitor snapshot embedded in GET /status.
type ResourceStatus struct {
	// Current thermal level name.
	// example: nominal
	Thermal string `json:"thermal" example:"nominal"`
	// Memory pressure fraction in [0,1].
	// example: 0.42
	MemoryPressure float64 `json:"memory_pressure" example:"0.42"`
	// True when the OS signal source is unavailable and the monitor is
	// defaulting to nominal.
	Degraded bool `json:"degraded,omitempty"`
}

// PipelineStatus reports the capture/pipeline side of GET /status.
type PipelineStatus struct {
	// Capture controller state: idle, running, throttled or stopped.
	// example: running
	State string `json:"state" example:"running"`
	// Frames captured since start.
	FramesCaptured uint64 `json:"frames_captured"`
	// Frames dropped by backpressure, deadline misses or throttling.
	FramesDropped uint64 `json:"frames_dropped"`
	// Detection results published since start.
	ResultsPublished uint64 `json:"results_published"`
	// Prediction-cache hits since start.
	CacheHits uint64 `json:"cache_hits"`
	// Effective capture rate in frames per second.
	TargetFPS float64 `json:"target_fps"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Pipeline PipelineStatus `json:"pipeline"`
	Resource ResourceStatus `json:"resource"`
	Handles  []HandleStatus `json:"handles"`
	// Configured model cache budget in MB.
	// example: 512
	BudgetMB int `json:"budget_mb" example:"512"`
	// Estimated resident footprint in MB.
	// example: 96
	UsedMB int `json:"used_mb" example:"96"`
	// Total LRU/pressure evictions since start.
	EvictionsTotal uint64 `json:"evictions_total"`
	// Uptime of the daemon in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// DetectResponse is returned by POST /detect.
type DetectResponse struct {
	Result *DetectionResult `json:"result,omitempty"`
	// True when no result cleared the adjusted confidence threshold.
	BelowThreshold bool `json:"below_threshold,omitempty"`
}

// StreamEvent is one NDJSON line on GET /detections: either a detection
// result or a typed error, never both.
type StreamEvent struct {
	Result *DetectionResult `json:"result,omitempty"`
	Kind   ErrorKind        `json:"kind,omitempty"`
	Error  string           `json:"error,omitempty"`
}
