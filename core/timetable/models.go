package timetable

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// errors
	ErrInvalidWeekday   = errors.New("invalid day of week")
	ErrInvalidTimeOfDay = errors.New("invalid time of day")
)

// Weekday is a day of the school week; Monday is 1 and Sunday is 7.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Weekdays lists all days in order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// WeekdayOf returns the weekday of t in t's location.
func WeekdayOf(t time.Time) Weekday {
	if wd := t.Weekday(); wd != time.Sunday {
		return Weekday(wd)
	}
	return Sunday
}

// ParseWeekday parses a full english day name, case-insensitively.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.TrimSpace(s)
	for _, d := range Weekdays {
		if strings.EqualFold(s, weekdayNames[d]) {
			return d, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidWeekday, "%q", s)
}

func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

func (d Weekday) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return weekdayNames[d]
}

// Next returns the following day, wrapping Sunday to Monday.
func (d Weekday) Next() Weekday {
	if d == Sunday {
		return Monday
	}
	return d + 1
}

func (d Weekday) Value() (driver.Value, error) {
	if !d.Valid() {
		return nil, ErrInvalidWeekday
	}
	return d.String(), nil
}

func (d *Weekday) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		if wd := Weekday(v); wd.Valid() {
			*d = wd
			return nil
		}
		return errors.Wrapf(ErrInvalidWeekday, "%d", v)
	default:
		return errors.Wrapf(ErrInvalidWeekday, "unsupported type %T", src)
	}
	wd, err := ParseWeekday(s)
	if err != nil {
		return err
	}
	*d = wd
	return nil
}

// TimeOfDay is a wall-clock time within a day, in seconds since midnight.
type TimeOfDay int

const (
	Midnight   TimeOfDay = 0
	LastSecond TimeOfDay = 24*60*60 - 1
)

func NewTimeOfDay(hour, min, sec int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return 0, errors.Wrapf(ErrInvalidTimeOfDay, "%02d:%02d:%02d", hour, min, sec)
	}
	return TimeOfDay(hour*3600 + min*60 + sec), nil
}

// ParseTimeOfDay accepts "15:04:05" or "15:04". Fractional seconds are dropped.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDayOf(t), nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidTimeOfDay, "%q", s)
}

// TimeOfDayOf returns the clock time of t in t's location, truncated to the second.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (t TimeOfDay) Hour() int   { return int(t) / 3600 }
func (t TimeOfDay) Minute() int { return int(t) % 3600 / 60 }
func (t TimeOfDay) Second() int { return int(t) % 60 }

// Add moves t by d, wrapping around midnight.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	const day = 24 * 60 * 60
	secs := (int(t) + int(d/time.Second)) % day
	if secs < 0 {
		secs += day
	}
	return TimeOfDay(secs)
}

// HHMM formats t as "15:04".
func (t TimeOfDay) HHMM() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}

func (t TimeOfDay) Value() (driver.Value, error) {
	return t.String(), nil
}

func (t *TimeOfDay) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*t = TimeOfDayOf(v)
		return nil
	case string:
		tod, err := ParseTimeOfDay(v)
		if err != nil {
			return err
		}
		*t = tod
		return nil
	case []byte:
		return t.Scan(string(v))
	default:
		return errors.Wrapf(ErrInvalidTimeOfDay, "unsupported type %T", src)
	}
}

type (
	// Period is one weekly recurring class-time slot.
	Period struct {
		ID         int       `json:"id"`
		Day        Weekday   `json:"day_of_week"`
		StartTime  TimeOfDay `json:"start_time"`
		EndTime    TimeOfDay `json:"end_time"`
		TeacherID  int       `json:"teacher_id"`
		ClassID    int       `json:"class_id"`
		SectionID  int       `json:"section_id"`
		SubjectID  int       `json:"subject_id"`
		RoomNumber *string   `json:"room_number"`
		IsActive   bool      `json:"is_active"`
	}

	// PeriodDetail is a Period joined with its teacher's account and display labels.
	PeriodDetail struct {
		Period

		TeacherUserID *int   `json:"teacher_user_id"`
		TeacherName   string `json:"teacher_name"`
		TeacherActive bool   `json:"teacher_active"`
		UserActive    bool   `json:"user_active"`
		ClassName     string `json:"class_name"`
		SectionName   string `json:"section_name"`
		SubjectName   string `json:"subject_name"`
	}
)

// Notifiable reports whether the period's teacher has a linked, active user account.
func (p PeriodDetail) Notifiable() bool {
	return p.TeacherUserID != nil && *p.TeacherUserID > 0 && p.TeacherActive && p.UserActive
}

// Room returns the trimmed room label, or "" when none is set.
func (p PeriodDetail) Room() string {
	if p.RoomNumber == nil {
		return ""
	}
	return strings.TrimSpace(*p.RoomNumber)
}
