package ingest

// Priority orders pending jobs. Higher values are scheduled first.
type Priority int

const (
	// PriorityLow is for speculative or prefetch work.
	PriorityLow Priority = iota
	// PriorityNormal is the default for background refreshes.
	PriorityNormal
	// PriorityHigh is for work the user is waiting on.
	PriorityHigh
)

// Priorities lists all tiers from highest to lowest, the order the
// scheduler drains them in.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
