package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
	"github.com/trezcool/masomo-notifier/tests"
)

type env struct {
	fx     *testutil.Fixture
	notifs *notification.Service
	engine *Engine
}

func setup(t *testing.T, registry notification.Registry, wrap ...func(NotificationStore) NotificationStore) *env {
	t.Helper()

	fx := testutil.NewFixture()
	notifs := notification.NewService(fx.Notifications, validator.New())
	var store NotificationStore = notifs
	for _, w := range wrap {
		store = w(store)
	}

	opts := DefaultOptions()
	opts.Location = time.UTC
	eng, err := NewEngine(opts, timetable.NewService(fx.Periods, time.UTC), store, registry, nil, nil)
	require.NoError(t, err)
	return &env{fx: fx, notifs: notifs, engine: eng}
}

func (e *env) notificationsFor(t *testing.T, userID int) []notification.Notification {
	t.Helper()
	ns, err := e.notifs.Query(context.Background(), notification.QueryFilter{UserID: userID})
	require.NoError(t, err)
	return ns
}

func sat(t *testing.T, clock string) time.Time {
	return testutil.Saturday(t, clock, time.UTC)
}

func TestFormatMessage(t *testing.T) {
	room := func(s string) *string { return &s }
	start, err := timetable.ParseTimeOfDay("14:30:00")
	require.NoError(t, err)

	tests := []struct {
		name string
		room *string
		lead time.Duration
		want string
	}{
		{name: "with room", room: room("101"), lead: 10 * time.Minute, want: "Your Mathematics class for Grade 5 - A starts in 10 minutes at 14:30 in Room 101."},
		{name: "null room", lead: 10 * time.Minute, want: "Your Mathematics class for Grade 5 - A starts in 10 minutes at 14:30."},
		{name: "blank room", room: room("  "), lead: 10 * time.Minute, want: "Your Mathematics class for Grade 5 - A starts in 10 minutes at 14:30."},
		{name: "one minute lead", room: room("B2"), lead: time.Minute, want: "Your Mathematics class for Grade 5 - A starts in 1 minute at 14:30 in Room B2."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := timetable.PeriodDetail{
				Period:      timetable.Period{StartTime: start, RoomNumber: tt.room},
				SubjectName: "Mathematics",
				ClassName:   "Grade 5",
				SectionName: "A",
			}
			if got := FormatMessage(p, tt.lead); got != tt.want {
				t.Errorf("FormatMessage() = %q, want %q", got, tt.want)
			}
		})
	}
	assert.Equal(t, "Upcoming Class: Mathematics", FormatTitle(" Mathematics "))
}

func TestEngine_RunTick_window(t *testing.T) {
	e := setup(t, nil)

	tests := []struct {
		start    string
		userID   int
		selected bool
	}{
		{start: "09:00:00", userID: 1, selected: true},  // now+10:00
		{start: "09:00:31", userID: 2, selected: false}, // now+10:31
		{start: "08:59:29", userID: 3, selected: false}, // now+9:29
		{start: "09:00:30", userID: 4, selected: true},
		{start: "08:59:30", userID: 5, selected: true},
	}
	for _, tt := range tests {
		e.fx.AddPeriod(t, testutil.PeriodSpec{
			Day: timetable.Saturday, Start: tt.start, TeacherID: e.fx.AddTeacher(tt.userID),
			Subject: "Mathematics", Class: "Grade 5", Section: "A",
		})
	}
	// right time, wrong day or inactive
	e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Friday, Start: "09:00:00", TeacherID: e.fx.AddTeacher(6), Subject: "S", Class: "C", Section: "A"})
	e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Saturday, Start: "09:00:00", TeacherID: e.fx.AddTeacher(7), Subject: "S", Class: "C", Section: "A", Inactive: true})

	report := e.engine.RunTick(context.Background(), sat(t, "08:50:00"))
	assert.Equal(t, 3, report.Matched)
	assert.Equal(t, 3, report.Created)
	assert.Empty(t, report.Error)

	for _, tt := range tests {
		got := len(e.notificationsFor(t, tt.userID))
		if tt.selected && got != 1 {
			t.Errorf("period at %s: got %d notifications, want 1", tt.start, got)
		}
		if !tt.selected && got != 0 {
			t.Errorf("period at %s: got %d notifications, want 0", tt.start, got)
		}
	}
	assert.Empty(t, e.notificationsFor(t, 6))
	assert.Empty(t, e.notificationsFor(t, 7))
}

func TestEngine_RunTick_idempotent(t *testing.T) {
	e := setup(t, nil)
	teacher := e.fx.AddTeacher(42)
	e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Saturday, Start: "09:00:00", TeacherID: teacher, Subject: "Physics", Class: "Grade 6", Section: "B"})

	first := e.engine.RunTick(context.Background(), sat(t, "08:50:00"))
	second := e.engine.RunTick(context.Background(), sat(t, "08:50:00"))
	third := e.engine.RunTick(context.Background(), sat(t, "08:50:29"))

	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 1, third.Duplicates)
	assert.Len(t, e.notificationsFor(t, 42), 1)
}

func TestEngine_RunTick_dedupWindow(t *testing.T) {
	e := setup(t, nil)
	teacher := e.fx.AddTeacher(42)
	for _, start := range []string{"09:00:00", "09:04:00", "09:06:00"} {
		e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Saturday, Start: start, TeacherID: teacher, Subject: "Physics", Class: "Grade 6", Section: "B"})
	}

	assert.Equal(t, 1, e.engine.RunTick(context.Background(), sat(t, "08:50:00")).Created)
	// same (user, title) 4 minutes later is still within the dedup window
	assert.Equal(t, 1, e.engine.RunTick(context.Background(), sat(t, "08:54:00")).Duplicates)
	// 6 minutes after the first notification it is not
	assert.Equal(t, 1, e.engine.RunTick(context.Background(), sat(t, "08:56:00")).Created)
	assert.Len(t, e.notificationsFor(t, 42), 2)
}

type failingStore struct {
	NotificationStore
	failUser int
}

func (s failingStore) Create(ctx context.Context, nn notification.NewNotification) (notification.Notification, error) {
	if nn.UserID == s.failUser {
		return notification.Notification{}, errors.New("connection reset by peer")
	}
	return s.NotificationStore.Create(ctx, nn)
}

type panickyHandle struct{}

func (panickyHandle) Emit(string, interface{}) error { panic("socket closed") }

func TestEngine_RunTick_isolation(t *testing.T) {
	registry := testutil.NewRegistry()
	registry.Register(5, panickyHandle{})
	e := setup(t, registry, func(s NotificationStore) NotificationStore { return &failingStore{NotificationStore: s, failUser: 4} })

	spec := func(start string, teacherID int) testutil.PeriodSpec {
		return testutil.PeriodSpec{Day: timetable.Saturday, Start: start, TeacherID: teacherID, Subject: "History", Class: "Grade 7", Section: "C"}
	}
	e.fx.AddPeriod(t, spec("08:59:40", e.fx.AddTeacher(0)))        // no linked user
	e.fx.AddPeriod(t, spec("08:59:45", e.fx.AddTeacher(2, false))) // inactive user
	malformed := spec("08:59:50", e.fx.AddTeacher(3))
	malformed.Subject = ""
	e.fx.AddPeriod(t, malformed)
	e.fx.AddPeriod(t, spec("08:59:55", e.fx.AddTeacher(4))) // store fails
	e.fx.AddPeriod(t, spec("09:00:00", e.fx.AddTeacher(5))) // push panics
	e.fx.AddPeriod(t, spec("09:00:05", e.fx.AddTeacher(6))) // fine
	e.fx.AddPeriod(t, spec("09:00:10", e.fx.AddTeacher(7))) // fine

	var report Report
	require.NotPanics(t, func() { report = e.engine.RunTick(context.Background(), sat(t, "08:50:00")) })

	assert.Equal(t, 7, report.Matched)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 3, report.Created)    // users 5, 6 and 7
	assert.Equal(t, 2, report.Failed)     // malformed, store error
	assert.Equal(t, 1, report.PushFailed) // push panic
	for _, uid := range []int{5, 6, 7} {
		assert.Len(t, e.notificationsFor(t, uid), 1, "user %d", uid)
	}
	for _, uid := range []int{2, 3, 4} {
		assert.Empty(t, e.notificationsFor(t, uid), "user %d", uid)
	}
	assert.Equal(t, Idle, e.engine.State())
}

func TestEngine_RunTick_bestEffortPush(t *testing.T) {
	connected := &testutil.Handle{}
	broken := &testutil.Handle{Err: errors.New("write: broken pipe")}
	registry := testutil.NewRegistry()
	registry.Register(1, connected)
	registry.Register(2, broken)

	tests := []struct {
		name           string
		registry       notification.Registry
		userID         int
		wantPushed     int
		wantPushFailed int
	}{
		{name: "no registry", userID: 3},
		{name: "user not connected", registry: registry, userID: 3},
		{name: "connected", registry: registry, userID: 1, wantPushed: 1},
		{name: "stale connection", registry: registry, userID: 2, wantPushFailed: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t, tt.registry)
			e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Saturday, Start: "09:00:00", TeacherID: e.fx.AddTeacher(tt.userID), Subject: "Art", Class: "Grade 1", Section: "A"})

			report := e.engine.RunTick(context.Background(), sat(t, "08:50:00"))
			assert.Equal(t, 1, report.Created)
			assert.Equal(t, 0, report.Failed)
			assert.Equal(t, tt.wantPushed, report.Pushed)
			assert.Equal(t, tt.wantPushFailed, report.PushFailed)
			assert.Len(t, e.notificationsFor(t, tt.userID), 1)
		})
	}
}

func TestEngine_RunTick_scenario(t *testing.T) {
	handle := &testutil.Handle{}
	registry := testutil.NewRegistry()
	registry.Register(42, handle)
	e := setup(t, registry)

	e.fx.AddPeriod(t, testutil.PeriodSpec{
		Day: timetable.Saturday, Start: "09:00:00", TeacherID: e.fx.AddTeacher(42),
		Subject: "Mathematics", Class: "Grade 5", Section: "A", Room: "101",
	})

	e.engine.RunTick(context.Background(), sat(t, "08:50:00"))

	ns := e.notificationsFor(t, 42)
	require.Len(t, ns, 1)
	assert.Equal(t, "Upcoming Class: Mathematics", ns[0].Title)
	assert.Equal(t, "Your Mathematics class for Grade 5 - A starts in 10 minutes at 09:00 in Room 101.", ns[0].Message)
	assert.Equal(t, notification.TypeInfo, ns[0].Type)
	assert.False(t, ns[0].IsRead)
	assert.True(t, ns[0].CreatedAt.Equal(sat(t, "08:50:00")))

	events := handle.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notification.EventNewNotification, events[0].Name)
	assert.Equal(t, ns[0], events[0].Payload)

	e.engine.RunTick(context.Background(), sat(t, "08:50:30"))
	assert.Len(t, e.notificationsFor(t, 42), 1)
	assert.Len(t, handle.Events(), 1)
}

func TestEngine_RunTick_midnight(t *testing.T) {
	e := setup(t, nil)
	e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Sunday, Start: "00:05:00", TeacherID: e.fx.AddTeacher(9), Subject: "Music", Class: "Grade 2", Section: "A"})

	report := e.engine.RunTick(context.Background(), sat(t, "23:55:00"))
	assert.Equal(t, 1, report.Created)
}

type brokenFinder struct{}

func (brokenFinder) Upcoming(context.Context, time.Time, time.Duration, time.Duration) ([]timetable.PeriodDetail, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestEngine_RunTick_scanError(t *testing.T) {
	eng, err := NewEngine(DefaultOptions(), &brokenFinder{}, &failingStore{}, nil, nil, nil)
	require.NoError(t, err)

	report := eng.RunTick(context.Background(), time.Now())
	assert.Contains(t, report.Error, "connection refused")
	assert.Zero(t, report.Matched)
	assert.Equal(t, Idle, eng.State())
	require.NotNil(t, eng.Status().LastTick)
	assert.Equal(t, report, *eng.Status().LastTick)
}

type blockingFinder struct {
	entered   chan struct{}
	release   chan struct{}
	active    int32
	maxActive int32
}

func (f *blockingFinder) Upcoming(context.Context, time.Time, time.Duration, time.Duration) ([]timetable.PeriodDetail, error) {
	n := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, n) {
			break
		}
	}
	f.entered <- struct{}{}
	<-f.release
	atomic.AddInt32(&f.active, -1)
	return nil, nil
}

func TestEngine_RunTick_noOverlap(t *testing.T) {
	finder := &blockingFinder{entered: make(chan struct{}, 2), release: make(chan struct{})}
	eng, err := NewEngine(DefaultOptions(), finder, &failingStore{}, nil, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); eng.RunTick(context.Background(), time.Now()) }()
	<-finder.entered
	assert.Equal(t, RunningTick, eng.State())

	go func() { defer wg.Done(); eng.RunTick(context.Background(), time.Now()) }()
	select {
	case <-finder.entered:
		t.Fatal("second tick ran while the first was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(finder.release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&finder.maxActive))
	assert.Len(t, finder.entered, 1) // the queued tick ran afterwards
	assert.Equal(t, Idle, eng.State())
}

func TestEngine_StartStop(t *testing.T) {
	handle := &testutil.Handle{}
	registry := testutil.NewRegistry()
	registry.Register(42, handle)
	e := setup(t, registry)
	e.engine.opts.Schedule = "@every 1s"
	e.fx.AddPeriod(t, testutil.PeriodSpec{Day: timetable.Saturday, Start: "09:00:00", TeacherID: e.fx.AddTeacher(42), Subject: "Mathematics", Class: "Grade 5", Section: "A"})

	nowFunc = func() time.Time { return sat(t, "08:50:00") }
	defer func() { nowFunc = time.Now }()

	require.NoError(t, e.engine.Start())
	assert.Equal(t, ErrEngineRunning, e.engine.Start())
	assert.True(t, e.engine.Status().Scheduled)

	require.Eventually(t, func() bool { return e.engine.Status().LastTick != nil }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.engine.Stop(ctx))
	assert.Equal(t, ErrEngineNotRunning, e.engine.Stop(ctx))
	assert.False(t, e.engine.Status().Scheduled)

	// every tick after the first one lands in the dedup window
	assert.Len(t, e.notificationsFor(t, 42), 1)
	assert.Len(t, handle.Events(), 1)
}

func TestEngine_Start_badSchedule(t *testing.T) {
	e := setup(t, nil)
	e.engine.opts.Schedule = "every minute"
	assert.Error(t, e.engine.Start())
	assert.False(t, e.engine.Status().Scheduled)
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(DefaultOptions(), nil, &failingStore{}, nil, nil, nil)
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Schedule = ""
	_, err = NewEngine(opts, &brokenFinder{}, &failingStore{}, nil, nil, nil)
	assert.Error(t, err)
}
