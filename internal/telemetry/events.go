package telemetry

// Event is the closed union of recordable telemetry events. Each variant
// maps to one table; the recorder switches exhaustively.
type Event interface{ telemetryEvent() }

// StreamTimingComputed is emitted for every finished stream measurement.
type StreamTimingComputed struct {
	WorkspaceID     string
	Model           string
	TotalDurationMs int64
	TTFTMs          int64
	ToolExecutionMs int64
	ModelTimeMs     int64
	StreamingMs     int64
	OutputTokens    int
	ReasoningTokens int
	Invalid         bool
	Anomalies       []string
}

// StreamTimingInvalid flags a measurement that failed validation. The
// row still lands via StreamTimingComputed; this one feeds the anomaly
// counter.
type StreamTimingInvalid struct {
	WorkspaceID string
	Anomalies   []string
}

// CompactionCompleted records one compaction outcome.
type CompactionCompleted struct {
	WorkspaceID string
	Source      string
	Epoch       int
	Success     bool
	Error       string
}

func (StreamTimingComputed) telemetryEvent() {}
func (StreamTimingInvalid) telemetryEvent()  {}
func (CompactionCompleted) telemetryEvent()  {}
