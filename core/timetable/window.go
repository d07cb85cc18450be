package timetable

import "time"

// Slot is a closed time-of-day interval on one weekday.
type Slot struct {
	Day  Weekday
	From TimeOfDay
	To   TimeOfDay
}

func (s Slot) Contains(day Weekday, t TimeOfDay) bool {
	return day == s.Day && t >= s.From && t <= s.To
}

func (s Slot) String() string {
	return s.Day.String() + " " + s.From.String() + "-" + s.To.String()
}

// Window is a closed interval of instants.
type Window struct {
	From time.Time
	To   time.Time
}

// UpcomingWindow is the window of start times a tick at now looks for: now+lead, give or take tolerance.
func UpcomingWindow(now time.Time, lead, tolerance time.Duration) Window {
	target := now.Add(lead)
	return Window{From: target.Add(-tolerance), To: target.Add(tolerance)}
}

// Slots splits w into per-day slots in loc. Bounds are rounded inwards to whole seconds.
// A window crossing midnight gives one slot for each calendar day it touches.
func (w Window) Slots(loc *time.Location) []Slot {
	from, to := w.From.In(loc), w.To.In(loc).Truncate(time.Second)
	if from.Nanosecond() > 0 {
		from = from.Truncate(time.Second).Add(time.Second)
	}
	if to.Before(from) {
		return nil
	}

	var slots []Slot
	for {
		y, m, d := from.Date()
		nextDay := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		if to.Before(nextDay) {
			return append(slots, Slot{Day: WeekdayOf(from), From: TimeOfDayOf(from), To: TimeOfDayOf(to)})
		}
		slots = append(slots, Slot{Day: WeekdayOf(from), From: TimeOfDayOf(from), To: LastSecond})
		from = nextDay
	}
}
