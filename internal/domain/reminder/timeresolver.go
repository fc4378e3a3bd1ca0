package reminder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidTimeOfDay = errors.New("invalid time of day")
	ErrInvalidWeekdays  = errors.New("invalid weekday set")
)

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS" (seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// WeekdaySet is a bitmask indexed by time.Weekday.
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays maps English day names (full or three-letter, any case) to a
// set. An empty list or an unknown name is an error.
func ParseWeekdays(names []string) (WeekdaySet, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("%w: at least one weekday is required", ErrInvalidWeekdays)
	}
	var s WeekdaySet
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidWeekdays, n)
		}
		s |= NewWeekdaySet(d)
	}
	return s, nil
}

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) Empty() bool              { return s&0x7f == 0 }

// Names returns the lower-case day names in week order starting Sunday.
func (s WeekdaySet) Names() []string {
	var out []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, strings.ToLower(d.String()))
		}
	}
	return out
}

// ResolveLocation loads an IANA zone. Empty, unknown or malformed names fall
// back to UTC with a warning so one bad profile never stalls scheduling.
func ResolveLocation(name string, logger zerolog.Logger) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn().Err(err).Str("timezone", name).Msg("unknown timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

// NextFire returns the first instant strictly after now at which tod falls on
// a member of days in loc, in UTC. Candidates are built with time.Date in the
// zone so DST shifts move the UTC instant, never the local time. Offsets 0
// through 7 are scanned so a single-day set whose time already passed today
// resolves to the same day next week. ok is false only for an empty set.
func NextFire(tod TimeOfDay, days WeekdaySet, loc *time.Location, now time.Time) (time.Time, bool) {
	if days.Empty() {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	for i := 0; i <= 7; i++ {
		candidate := time.Date(y, m, d+i, tod.Hour, tod.Minute, 0, 0, loc)
		if !days.Has(candidate.Weekday()) {
			continue
		}
		if candidate.After(now) {
			return candidate.UTC(), true
		}
	}
	return time.Time{}, false
}
