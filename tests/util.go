package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
	inmemdb "github.com/trezcool/masomo-notifier/storage/database/inmem"
)

// Fixture is an in-memory school directory + timetable + notification store.
type Fixture struct {
	DB            *inmemdb.DB
	Periods       timetable.Repository
	Notifications notification.Repository

	mu     sync.Mutex
	nextID int
}

func NewFixture() *Fixture {
	db := inmemdb.Open()
	return &Fixture{
		DB:            db,
		Periods:       inmemdb.NewTimetableRepository(db),
		Notifications: inmemdb.NewNotificationRepository(db),
	}
}

func (f *Fixture) id() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

// AddTeacher adds an active teacher. A userID of 0 leaves the teacher without a linked account.
func (f *Fixture) AddTeacher(userID int, userActive ...bool) int {
	active := true
	if len(userActive) > 0 {
		active = userActive[0]
	}
	teacher := inmemdb.Teacher{ID: f.id(), Name: "Teacher", IsActive: true}
	if userID > 0 {
		f.DB.AddUser(inmemdb.User{ID: userID, Name: "Teacher", IsActive: active})
		uid := userID
		teacher.UserID = &uid
	}
	f.DB.AddTeacher(teacher)
	return teacher.ID
}

type PeriodSpec struct {
	Day       timetable.Weekday
	Start     string // "15:04:05"
	TeacherID int
	Subject   string
	Class     string
	Section   string
	Room      string // empty means no room
	Inactive  bool
}

// AddPeriod creates a 45 minutes period with its own class, section and subject rows.
func (f *Fixture) AddPeriod(t *testing.T, spec PeriodSpec) timetable.Period {
	t.Helper()

	start, err := timetable.ParseTimeOfDay(spec.Start)
	if err != nil {
		t.Fatalf("AddPeriod() failed: %v", err)
	}
	p := timetable.Period{
		Day:       spec.Day,
		StartTime: start,
		EndTime:   start.Add(45 * time.Minute),
		TeacherID: spec.TeacherID,
		ClassID:   f.id(),
		SectionID: f.id(),
		SubjectID: f.id(),
		IsActive:  !spec.Inactive,
	}
	if spec.Room != "" {
		room := spec.Room
		p.RoomNumber = &room
	}
	f.DB.AddClass(inmemdb.Label{ID: p.ClassID, Name: spec.Class})
	f.DB.AddSection(inmemdb.Label{ID: p.SectionID, Name: spec.Section})
	f.DB.AddSubject(inmemdb.Label{ID: p.SubjectID, Name: spec.Subject})

	p, err = f.Periods.CreatePeriod(context.Background(), p)
	if err != nil {
		t.Fatalf("AddPeriod() failed: %v", err)
	}
	return p
}

// Saturday returns 2026-10-17 (a Saturday) at the given clock time in loc.
func Saturday(t *testing.T, clock string, loc *time.Location) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation("2006-01-02 15:04:05", "2026-10-17 "+clock, loc)
	if err != nil {
		t.Fatalf("Saturday() failed: %v", err)
	}
	return tm
}

type Event struct {
	Name    string
	Payload interface{}
}

// Handle records emitted events. Err, when set, is returned by Emit after recording.
type Handle struct {
	mu     sync.Mutex
	Err    error
	events []Event
}

func (h *Handle) Emit(event string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, Event{Name: event, Payload: payload})
	return h.Err
}

func (h *Handle) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// Registry is a minimal notification.Registry.
type Registry struct {
	mu      sync.RWMutex
	handles map[int]notification.Handle
}

var _ notification.Registry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{handles: make(map[int]notification.Handle)}
}

func (r *Registry) Register(userID int, h notification.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[userID] = h
}

func (r *Registry) Unregister(userID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, userID)
}

func (r *Registry) Lookup(userID int) (notification.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[userID]
	return h, ok
}
