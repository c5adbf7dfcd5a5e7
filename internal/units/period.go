package units

import "time"

// DateRange is an inclusive [Start, End] span of whole days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the range has both bounds and does not run backwards.
func (r DateRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && !r.End.Before(r.Start)
}

// Overlaps reports whether two inclusive ranges share at least one day.
func (r DateRange) Overlaps(other DateRange) bool {
	return !r.Start.After(other.End) && !other.Start.After(r.End)
}

// Intersect clamps r to the overlap with other. The second return value is
// false when the ranges do not overlap.
func (r DateRange) Intersect(other DateRange) (DateRange, bool) {
	if !r.Overlaps(other) {
		return DateRange{}, false
	}
	out := r
	if other.Start.After(out.Start) {
		out.Start = other.Start
	}
	if other.End.Before(out.End) {
		out.End = other.End
	}
	return out, true
}

// Adjacent reports whether other starts the day after r ends (or vice versa).
func (r DateRange) Adjacent(other DateRange) bool {
	return r.End.AddDate(0, 0, 1).Equal(other.Start) || other.End.AddDate(0, 0, 1).Equal(r.Start)
}

// MergeRanges collapses overlapping or adjacent ranges into the minimal set,
// ordered by start date. Input order is not significant.
func MergeRanges(ranges []DateRange) []DateRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]DateRange, len(ranges))
	copy(sorted, ranges)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start.Before(sorted[j-1].Start); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	out := []DateRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Overlaps(r) || last.Adjacent(r) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// AbstractionPeriod is the recurring day/month window a charge element or
// return is licensed to abstract within. A period may straddle the calendar
// year end (e.g. 1 November to 31 March).
type AbstractionPeriod struct {
	StartDay   int
	StartMonth int
	EndDay     int
	EndMonth   int
}

// Valid reports whether all four fields are populated. The register stores
// them as nullable NALD columns, so zero means missing.
func (p AbstractionPeriod) Valid() bool {
	return p.StartDay >= 1 && p.StartDay <= 31 &&
		p.EndDay >= 1 && p.EndDay <= 31 &&
		p.StartMonth >= 1 && p.StartMonth <= 12 &&
		p.EndMonth >= 1 && p.EndMonth <= 12
}

func (p AbstractionPeriod) straddlesYearEnd() bool {
	return p.EndMonth < p.StartMonth || (p.EndMonth == p.StartMonth && p.EndDay < p.StartDay)
}

// RangesFor expands the recurring period into concrete date ranges that
// intersect the given charge period. A straddling window yields up to two
// ranges per financial year boundary.
func (p AbstractionPeriod) RangesFor(chargePeriod DateRange) []DateRange {
	if !p.Valid() || !chargePeriod.Valid() {
		return nil
	}

	var out []DateRange
	for year := chargePeriod.Start.Year() - 1; year <= chargePeriod.End.Year(); year++ {
		start := time.Date(year, time.Month(p.StartMonth), p.StartDay, 0, 0, 0, 0, time.UTC)
		endYear := year
		if p.straddlesYearEnd() {
			endYear = year + 1
		}
		end := time.Date(endYear, time.Month(p.EndMonth), p.EndDay, 0, 0, 0, 0, time.UTC)

		candidate := DateRange{Start: start, End: end}
		if clamped, ok := candidate.Intersect(chargePeriod); ok {
			out = append(out, clamped)
		}
	}
	return MergeRanges(out)
}

// Contains reports whether any expansion of the period within the charge
// period fully covers the given range. Used to decide whether a return line's
// dates fall outside the element's licensed window.
func (p AbstractionPeriod) Contains(chargePeriod DateRange, r DateRange) bool {
	for _, window := range p.RangesFor(chargePeriod) {
		if !r.Start.Before(window.Start) && !r.End.After(window.End) {
			return true
		}
	}
	return false
}
