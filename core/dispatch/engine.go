package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
)

var (
	ErrEngineRunning    = errors.New("dispatch engine already started")
	ErrEngineNotRunning = errors.New("dispatch engine not started")

	errMalformedPeriod = errors.New("malformed period")

	nowFunc = time.Now // mockable
)

type (
	// PeriodFinder is implemented by *timetable.Service.
	PeriodFinder interface {
		Upcoming(ctx context.Context, now time.Time, lead, tolerance time.Duration) ([]timetable.PeriodDetail, error)
	}

	// NotificationStore is implemented by *notification.Service.
	NotificationStore interface {
		RecentlyNotified(ctx context.Context, userID int, title string, window time.Duration, now time.Time) (bool, error)
		Create(ctx context.Context, nn notification.NewNotification) (notification.Notification, error)
	}

	// Recorder receives tick outcomes, e.g. for metrics.
	Recorder interface {
		SetRunning(running bool)
		ObserveTick(report Report, took time.Duration)
	}

	Options struct {
		Lead        time.Duration
		Tolerance   time.Duration
		DedupWindow time.Duration
		Schedule    string
		Location    *time.Location
	}

	Engine struct {
		opts     Options
		periods  PeriodFinder
		notifs   NotificationStore
		registry notification.Registry
		logger   core.Logger
		recorder Recorder

		tickMu sync.Mutex // held for the whole tick; ticks never overlap
		state  int32

		statusMu   sync.RWMutex
		lastReport *Report

		cronMu     sync.Mutex
		cron       *cron.Cron
		cancelTick context.CancelFunc
	}
)

func DefaultOptions() Options {
	return Options{
		Lead:        10 * time.Minute,
		Tolerance:   30 * time.Second,
		DedupWindow: 5 * time.Minute,
		Schedule:    "@every 1m",
		Location:    time.Local,
	}
}

func OptionsFromConfig(conf core.DispatcherConfig) Options {
	return Options{
		Lead:        conf.Lead,
		Tolerance:   conf.Tolerance,
		DedupWindow: conf.DedupWindow,
		Schedule:    conf.Schedule,
		Location:    conf.Location(),
	}
}

// NewEngine builds a dispatch Engine.
// A nil registry means notifications are persisted without live delivery; logger and recorder are optional.
func NewEngine(
	opts Options,
	periods PeriodFinder,
	notifs NotificationStore,
	registry notification.Registry,
	logger core.Logger,
	recorder Recorder,
) (eng *Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("dispatch.NewEngine: %v", r)
		}
	}()
	vala.BeginValidation().Validate(
		vala.IsNotNil(periods, "periods"),
		vala.IsNotNil(notifs, "notifs"),
		vala.StringNotEmpty(opts.Schedule, "opts.Schedule"),
	).CheckAndPanic()

	if opts.Location == nil {
		opts.Location = time.Local
	}
	if logger == nil {
		logger = core.NopLogger{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Engine{
		opts:     opts,
		periods:  periods,
		notifs:   notifs,
		registry: registry,
		logger:   logger,
		recorder: recorder,
	}, nil
}

func (e *Engine) Options() Options { return e.opts }

func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

// RunTick scans for periods starting around now+Lead and notifies their teachers.
// Concurrent calls are serialised. Errors never escape: they are logged and counted in the Report.
func (e *Engine) RunTick(ctx context.Context, now time.Time) Report {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	atomic.StoreInt32(&e.state, int32(RunningTick))
	e.recorder.SetRunning(true)
	started := time.Now()

	report := Report{At: now}
	defer func() {
		atomic.StoreInt32(&e.state, int32(Idle))
		e.recorder.SetRunning(false)
		e.recorder.ObserveTick(report, time.Since(started))
		e.statusMu.Lock()
		e.lastReport = &report
		e.statusMu.Unlock()
	}()

	periods, err := e.periods.Upcoming(ctx, now, e.opts.Lead, e.opts.Tolerance)
	if err != nil {
		report.Error = err.Error()
		e.logger.Error("dispatch: scanning timetable", errors.Wrap(err, "scanning timetable"))
		return report
	}
	report.Matched = len(periods)

	for _, period := range periods {
		if err = e.processPeriod(ctx, now, period, &report); err != nil {
			report.Failed++
			e.logger.Error(
				fmt.Sprintf("dispatch: period %d: %v", period.ID, err),
				err,
				map[string]interface{}{"period_id": period.ID, "teacher_id": period.TeacherID},
			)
		}
	}

	if report.Created > 0 || report.Failed > 0 {
		e.logger.Info(fmt.Sprintf("dispatch: tick %s", report), map[string]interface{}{"tick": now.Format(time.RFC3339)})
	}
	return report
}

// processPeriod handles one matched period; a panic is turned into an error so the tick moves on.
func (e *Engine) processPeriod(ctx context.Context, now time.Time, p timetable.PeriodDetail, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()

	if !p.Notifiable() {
		report.Skipped++
		e.logger.Debug(fmt.Sprintf("dispatch: period %d has no active teacher account", p.ID))
		return nil
	}
	if core.CleanString(p.SubjectName) == "" || core.CleanString(p.ClassName) == "" || core.CleanString(p.SectionName) == "" {
		return errors.Wrap(errMalformedPeriod, "missing class, section or subject label")
	}

	userID := *p.TeacherUserID
	title := FormatTitle(p.SubjectName)

	dup, err := e.notifs.RecentlyNotified(ctx, userID, title, e.opts.DedupWindow, now)
	if err != nil {
		return err
	}
	if dup {
		report.Duplicates++
		return nil
	}

	n, err := e.notifs.Create(ctx, notification.NewNotification{
		UserID:    userID,
		Title:     title,
		Message:   FormatMessage(p, e.opts.Lead),
		Type:      notification.TypeInfo,
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	report.Created++

	e.push(n, report)
	return nil
}

// push delivers n to the user's live connection, if any. Failures, panics included, are logged only.
func (e *Engine) push(n notification.Notification, report *Report) {
	if e.registry == nil {
		return
	}
	h, ok := e.registry.Lookup(n.UserID)
	if !ok || h == nil {
		return
	}
	if err := emit(h, n); err != nil {
		report.PushFailed++
		e.logger.Warn(fmt.Sprintf("dispatch: push to user %d failed: %v", n.UserID, err), map[string]interface{}{"notification_id": n.ID})
		return
	}
	report.Pushed++
}

func emit(h notification.Handle, n notification.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return h.Emit(notification.EventNewNotification, n)
}

// Start registers the periodic tick and starts the timer.
func (e *Engine) Start() error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	if e.cron != nil {
		return ErrEngineRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{e.logger}
	c := cron.New(
		cron.WithLocation(e.opts.Location),
		cron.WithParser(core.CronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.DelayIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(e.opts.Schedule, func() { e.RunTick(ctx, nowFunc()) }); err != nil {
		cancel()
		return errors.Wrapf(err, "scheduling %q", e.opts.Schedule)
	}
	c.Start()

	e.cron = c
	e.cancelTick = cancel
	e.logger.Info(fmt.Sprintf("dispatch: started (%s, lead %s, tolerance %s, dedup %s)",
		e.opts.Schedule, e.opts.Lead, e.opts.Tolerance, e.opts.DedupWindow))
	return nil
}

// Stop deregisters the timer and waits for a running tick to complete.
// When ctx expires first, the running tick's context is cancelled and ctx.Err() returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.cronMu.Lock()
	c, cancel := e.cron, e.cancelTick
	e.cron, e.cancelTick = nil, nil
	e.cronMu.Unlock()

	if c == nil {
		return ErrEngineNotRunning
	}
	defer cancel()

	select {
	case <-c.Stop().Done():
		e.logger.Info("dispatch: stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running tick")
	}
}

func (e *Engine) Status() Status {
	e.cronMu.Lock()
	scheduled := e.cron != nil
	var next time.Time
	if scheduled {
		if entries := e.cron.Entries(); len(entries) > 0 {
			next = entries[0].Next
		}
	}
	e.cronMu.Unlock()

	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return Status{
		State:     e.State().String(),
		Scheduled: scheduled,
		Schedule:  e.opts.Schedule,
		NextTick:  next,
		LastTick:  e.lastReport,
	}
}

type nopRecorder struct{}

func (nopRecorder) SetRunning(bool)                   {}
func (nopRecorder) ObserveTick(Report, time.Duration) {}
