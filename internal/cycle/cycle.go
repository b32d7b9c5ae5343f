// Package cycle derives the rolling 30-day subscription window from a fixed anchor.
//
// Windows are computed in UTC with calendar-day arithmetic, so daylight-saving
// transitions in the subscriber's local zone never shift a boundary.
package cycle

import "time"

// LengthDays is the size of one subscription cycle.
const LengthDays = 30

const cycleLength = LengthDays * 24 * time.Hour

type Window struct {
	Start   time.Time
	End     time.Time
	InCycle bool
	// Index is the number of whole cycles elapsed since the anchor (0 for the first window).
	Index int
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Compute returns the window containing now. The result depends only on its inputs.
//
// When now precedes the anchor the first window is returned with InCycle=false.
// An inactive subscription still gets its window (for display) but InCycle=false.
func Compute(anchor, now time.Time, active bool) Window {
	anchor = anchor.UTC()
	now = now.UTC()

	if now.Before(anchor) {
		return Window{
			Start:   anchor,
			End:     anchor.AddDate(0, 0, LengthDays),
			InCycle: false,
		}
	}

	k := int(now.Sub(anchor) / cycleLength)
	start := anchor.AddDate(0, 0, LengthDays*k)
	// Guard against rounding at the boundary; at most one step either way.
	for now.Before(start) && k > 0 {
		k--
		start = anchor.AddDate(0, 0, LengthDays*k)
	}
	end := anchor.AddDate(0, 0, LengthDays*(k+1))
	for !now.Before(end) {
		k++
		start = end
		end = anchor.AddDate(0, 0, LengthDays*(k+1))
	}

	return Window{
		Start:   start,
		End:     end,
		InCycle: active,
		Index:   k,
	}
}
