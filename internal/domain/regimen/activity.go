package regimen

import "time"

// View selects the fallback window applied when duration text is Unknown.
type View string

const (
	// ViewCurrent is the current-medications view (90 day fallback)
	ViewCurrent View = "current"
	// ViewHistory is the per-record flag shown in history (30 day fallback)
	ViewHistory View = "history"
)

// Default fallback windows. The two views disagree; both are kept as observed
// until the intended clinical meaning is confirmed.
const (
	DefaultCurrentFallback = 90 * 24 * time.Hour
	DefaultHistoryFallback = 30 * 24 * time.Hour
)

// Evaluator decides whether a prescription is active at a given instant.
type Evaluator struct {
	CurrentFallback time.Duration
	HistoryFallback time.Duration
}

// NewEvaluator returns an evaluator with the default fallback windows
func NewEvaluator() Evaluator {
	return Evaluator{
		CurrentFallback: DefaultCurrentFallback,
		HistoryFallback: DefaultHistoryFallback,
	}
}

// IsActive reports whether rec is active at now. Window ends are inclusive.
func (e Evaluator) IsActive(rec PrescriptionRecord, now time.Time, view View) bool {
	return e.IsActiveWindow(ParseDuration(rec.Duration), rec.PrescribedDate, now, view)
}

// IsActiveWindow is IsActive for an already parsed window
func (e Evaluator) IsActiveWindow(w ActivityWindow, prescribed, now time.Time, view View) bool {
	switch w.Kind {
	case WindowContinuous:
		return true
	case WindowBoundedDays:
		return !now.After(prescribed.AddDate(0, 0, w.Count))
	case WindowBoundedWeeks:
		return !now.After(prescribed.AddDate(0, 0, 7*w.Count))
	case WindowBoundedMonths:
		return !now.After(prescribed.AddDate(0, w.Count, 0))
	default:
		return elapsedDays(prescribed, now) <= e.fallback(view)
	}
}

// elapsedDays is the elapsed time floored to whole days
func elapsedDays(prescribed, now time.Time) time.Duration {
	return now.Sub(prescribed).Truncate(24 * time.Hour)
}

func (e Evaluator) fallback(view View) time.Duration {
	if view == ViewHistory {
		if e.HistoryFallback > 0 {
			return e.HistoryFallback
		}
		return DefaultHistoryFallback
	}
	if e.CurrentFallback > 0 {
		return e.CurrentFallback
	}
	return DefaultCurrentFallback
}

// Evaluate flags every record against now, preserving order.
func (e Evaluator) Evaluate(records []PrescriptionRecord, now time.Time, view View) []EvaluatedPrescription {
	out := make([]EvaluatedPrescription, 0, len(records))
	for _, rec := range records {
		out = append(out, EvaluatedPrescription{
			PrescriptionRecord: rec,
			IsActive:           e.IsActive(rec, now, view),
		})
	}
	return out
}

// ActiveOnly keeps the active records, preserving order.
func ActiveOnly(meds []EvaluatedPrescription) []EvaluatedPrescription {
	out := make([]EvaluatedPrescription, 0, len(meds))
	for _, m := range meds {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out
}
