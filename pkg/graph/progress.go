package graph

// Stage names for progress events.
const (
	StageChunking   = "chunking"
	StageGenerating = "generating"
	StageMerging    = "merging"
	StageValidating = "validating"
	StageComplete   = "complete"
)

// Progress is one pipeline progress event.
type Progress struct {
	Stage     string `json:"stage"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	Message   string `json:"message,omitempty"`
}

// ProgressReporter delivers events over a bounded channel. Emitting never
// blocks the pipeline: when the consumer falls behind, events are dropped.
// A nil reporter is valid and discards everything.
type ProgressReporter struct {
	ch chan Progress
}

// NewProgressReporter creates a reporter with the given buffer size.
func NewProgressReporter(buffer int) *ProgressReporter {
	if buffer <= 0 {
		buffer = 16
	}
	return &ProgressReporter{ch: make(chan Progress, buffer)}
}

// Events is the consumer side.
func (r *ProgressReporter) Events() <-chan Progress {
	return r.ch
}

// Close signals the consumer that no more events follow.
func (r *ProgressReporter) Close() {
	if r != nil {
		close(r.ch)
	}
}

func (r *ProgressReporter) emit(stage string, processed, total int, message string) {
	if r == nil {
		return
	}
	percent := 0
	if total > 0 {
		percent = processed * 100 / total
	}
	p := Progress{
		Stage:     stage,
		Processed: processed,
		Total:     total,
		Percent:   percent,
		Message:   message,
	}
	select {
	case r.ch <- p:
	default:
	}
}
