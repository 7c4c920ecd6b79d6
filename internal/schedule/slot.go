package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSlotMinutes is used when a provider has no consultation duration set.
const DefaultSlotMinutes = 60

const minutesPerDay = 24 * 60

var (
	ErrSchedule         = errors.New("invalid schedule window")
	ErrInvalidTime      = errors.New("time must be HH:MM (24-hour)")
	ErrNoScheduleForDay = errors.New("provider has no schedule for this day")
	ErrInvalidDate      = errors.New("date is in the past")
)

// Minute is a minute of the day, 0..1439.
type Minute int

func ParseMinute(s string) (Minute, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return Minute(hh*60 + mm), nil
}

func (m Minute) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// WeeklyEntry is one working window of a provider's week.
type WeeklyEntry struct {
	Weekday time.Weekday
	From    Minute
	To      Minute
}

type WeeklySchedule []WeeklyEntry

// Validate enforces one entry per weekday and From < To.
func (ws WeeklySchedule) Validate() error {
	seen := make(map[time.Weekday]bool, len(ws))
	for _, e := range ws {
		if e.Weekday < time.Sunday || e.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrSchedule, e.Weekday)
		}
		if seen[e.Weekday] {
			return fmt.Errorf("%w: duplicate entry for %s", ErrSchedule, e.Weekday)
		}
		seen[e.Weekday] = true
		if e.From < 0 || e.To > minutesPerDay || e.From >= e.To {
			return fmt.Errorf("%w: %s %s-%s", ErrSchedule, e.Weekday, e.From, e.To)
		}
	}
	return nil
}

func (ws WeeklySchedule) For(day time.Weekday) (WeeklyEntry, bool) {
	for _, e := range ws {
		if e.Weekday == day {
			return e, true
		}
	}
	return WeeklyEntry{}, false
}

// Slot is a bookable window. To is the last minute the slot covers, so a
// 60 minute slot starting at 09:00 reads 09:00-09:59.
type Slot struct {
	From Minute
	To   Minute
}

func ParseSlot(from, to string) (Slot, error) {
	f, err := ParseMinute(from)
	if err != nil {
		return Slot{}, err
	}
	t, err := ParseMinute(to)
	if err != nil {
		return Slot{}, err
	}
	if t < f {
		return Slot{}, fmt.Errorf("%w: slot %s-%s ends before it starts", ErrSchedule, from, to)
	}
	return Slot{From: f, To: t}, nil
}

func (s Slot) Key() string {
	return s.From.String() + "-" + s.To.String()
}

func (s Slot) Minutes() int {
	return int(s.To-s.From) + 1
}

// Calculate splits [from, to) into contiguous slots of duration minutes.
// A trailing remainder shorter than one slot is dropped.
func Calculate(from, to Minute, duration int) ([]Slot, error) {
	if duration <= 0 {
		duration = DefaultSlotMinutes
	}
	if from >= to {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrSchedule, from, to)
	}

	window := int(to - from)
	if window < duration {
		return nil, fmt.Errorf("%w: %d minute window is shorter than a %d minute slot", ErrSchedule, window, duration)
	}

	n := window / duration
	slots := make([]Slot, 0, n)
	for i := 0; i < n; i++ {
		start := from + Minute(i*duration)
		slots = append(slots, Slot{From: start, To: start + Minute(duration) - 1})
	}
	return slots, nil
}
