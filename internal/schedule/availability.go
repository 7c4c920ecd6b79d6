package schedule

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// ParseDate reads a YYYY-MM-DD calendar day in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

// CivilDay keeps t's calendar fields and pins them to midnight in loc.
// Dates read from a DATE column come back as UTC midnight and must not be
// shifted by a zone conversion.
func CivilDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Today is the calendar day of the instant now, as seen in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return CivilDay(now.In(loc), loc)
}

// StartOf is the instant at which minute m begins on the given day, read as
// wall-clock time in loc. On days the clocks change this differs from
// midnight plus m. Minute 1440 is midnight of the next day.
func StartOf(day time.Time, m Minute, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(day.Year(), day.Month(), day.Day(), int(m)/60, int(m)%60, 0, 0, loc)
}

type SlotView struct {
	Slot
	Available bool
}

type Availability struct {
	Date      time.Time
	Weekday   time.Weekday
	Slots     []SlotView
	Available []Slot
}

// Contains reports whether slot is currently offered.
func (a *Availability) Contains(slot Slot) bool {
	for _, s := range a.Available {
		if s == slot {
			return true
		}
	}
	return false
}

type ResolveInput struct {
	Date        time.Time
	Now         time.Time
	Location    *time.Location
	Schedule    WeeklySchedule
	SlotMinutes int
	// Occupied holds the snapshots of the provider's non-cancelled
	// appointments on Date.
	Occupied []Slot
}

// Resolve computes which of the provider's slots on in.Date can still be
// booked at in.Now.
func Resolve(in ResolveInput) (*Availability, error) {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	day := CivilDay(in.Date, loc)
	today := Today(in.Now, loc)
	if day.Before(today) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDate, day.Format(DateLayout))
	}

	entry, ok := in.Schedule.For(day.Weekday())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoScheduleForDay, day.Weekday())
	}

	candidates, err := Calculate(entry.From, entry.To, in.SlotMinutes)
	if err != nil {
		return nil, err
	}

	occupied := make(map[string]struct{}, len(in.Occupied))
	for _, s := range in.Occupied {
		occupied[s.Key()] = struct{}{}
	}

	isToday := day.Equal(today)
	out := &Availability{
		Date:      day,
		Weekday:   day.Weekday(),
		Slots:     make([]SlotView, 0, len(candidates)),
		Available: make([]Slot, 0, len(candidates)),
	}

	for _, c := range candidates {
		_, taken := occupied[c.Key()]
		available := !taken
		if available && isToday {
			available = StartOf(day, c.From, loc).After(in.Now)
		}

		out.Slots = append(out.Slots, SlotView{Slot: c, Available: available})
		if available {
			out.Available = append(out.Available, c)
		}
	}

	return out, nil
}
