package clock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimezone is returned for identifiers the IANA database
	// does not recognize.
	ErrInvalidTimezone = errors.New("invalid timezone identifier")

	// ErrAmbiguousLocalTime is returned alongside a resolved instant when
	// the requested civil time falls in a DST gap or overlap. The instant
	// is still usable: overlaps resolve to the later occurrence, gaps
	// resolve forward past the transition.
	ErrAmbiguousLocalTime = errors.New("ambiguous or nonexistent local time")
)

// CivilDate is a calendar date with no timezone attached.
type CivilDate struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

func (d CivilDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// CivilDateTime is a wall-clock reading with no timezone attached.
type CivilDateTime struct {
	CivilDate
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (d CivilDateTime) String() string {
	return fmt.Sprintf("%sT%02d:%02d", d.CivilDate, d.Hour, d.Minute)
}

// Clock resolves "now" and converts between civil time and instants.
type Clock interface {
	Now() time.Time
	ToInstant(civil CivilDateTime, timezone string) (time.Time, error)
	ToCivil(instant time.Time, timezone string) (CivilDateTime, error)
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// ToInstant converts a civil reading in the given IANA zone to a UTC
// instant. DST overlaps resolve to the later of the two valid instants;
// DST gaps resolve forward past the transition. Both cases return the
// resolved instant together with ErrAmbiguousLocalTime so callers can
// tell a tie-break happened.
func (System) ToInstant(civil CivilDateTime, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}

	normalized := time.Date(civil.Year, civil.Month, civil.Day, civil.Hour, civil.Minute, 0, 0, loc)

	candidates := localReadings(civil, normalized, loc)
	switch len(candidates) {
	case 0:
		// Spring-forward gap: the wall reading never occurs. time.Date
		// already normalized it forward past the transition.
		return normalized.UTC(), ErrAmbiguousLocalTime
	case 1:
		return candidates[0].UTC(), nil
	default:
		// Fall-back overlap: the wall reading occurs twice. Take the
		// later instant (the post-transition offset).
		later := candidates[0]
		for _, c := range candidates[1:] {
			if c.After(later) {
				later = c
			}
		}
		return later.UTC(), ErrAmbiguousLocalTime
	}
}

// ToCivil is the inverse of ToInstant for unambiguous instants.
func (System) ToCivil(instant time.Time, timezone string) (CivilDateTime, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return CivilDateTime{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	local := instant.In(loc)
	return CivilDateTime{
		CivilDate: CivilDate{Year: local.Year(), Month: local.Month(), Day: local.Day()},
		Hour:      local.Hour(),
		Minute:    local.Minute(),
	}, nil
}

// localReadings returns every instant whose wall reading in loc equals
// civil. Offsets are probed a day either side of the normalized time so
// both sides of a DST transition are considered.
func localReadings(civil CivilDateTime, normalized time.Time, loc *time.Location) []time.Time {
	offsets := map[int]struct{}{}
	for _, probe := range []time.Time{
		normalized.Add(-24 * time.Hour),
		normalized,
		normalized.Add(24 * time.Hour),
	} {
		_, off := probe.In(loc).Zone()
		offsets[off] = struct{}{}
	}

	var out []time.Time
	for off := range offsets {
		cand := time.Date(civil.Year, civil.Month, civil.Day, civil.Hour, civil.Minute, 0, 0,
			time.FixedZone("", off))
		local := cand.In(loc)
		if local.Year() == civil.Year && local.Month() == civil.Month && local.Day() == civil.Day &&
			local.Hour() == civil.Hour && local.Minute() == civil.Minute {
			out = append(out, cand)
		}
	}
	return out
}

// Fixed is a Clock pinned to a single instant, for tests.
type Fixed struct {
	Instant time.Time
}

func (f Fixed) Now() time.Time { return f.Instant }

func (f Fixed) ToInstant(civil CivilDateTime, timezone string) (time.Time, error) {
	return System{}.ToInstant(civil, timezone)
}

func (f Fixed) ToCivil(instant time.Time, timezone string) (CivilDateTime, error) {
	return System{}.ToCivil(instant, timezone)
}
