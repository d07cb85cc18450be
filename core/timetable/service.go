package timetable

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-notifier/core"
)

type (
	Repository interface {
		// QueryStartingPeriods returns active periods on slot.Day whose start time falls within the slot,
		// joined with their teacher's account and labels, ordered by start time.
		QueryStartingPeriods(ctx context.Context, slot Slot, exec ...core.DBExecutor) ([]PeriodDetail, error)
		CreatePeriod(ctx context.Context, period Period, exec ...core.DBExecutor) (Period, error)
	}

	Service struct {
		repo Repository
		loc  *time.Location
	}
)

// NewService returns a Service computing calendar days in loc (time.Local if nil).
func NewService(repo Repository, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{repo: repo, loc: loc}
}

func (svc *Service) Location() *time.Location { return svc.loc }

// Upcoming returns the periods starting within tolerance of now+lead.
func (svc *Service) Upcoming(ctx context.Context, now time.Time, lead, tolerance time.Duration) ([]PeriodDetail, error) {
	var periods []PeriodDetail
	for _, slot := range UpcomingWindow(now, lead, tolerance).Slots(svc.loc) {
		found, err := svc.repo.QueryStartingPeriods(ctx, slot)
		if err != nil {
			return nil, errors.Wrapf(err, "querying periods for %s", slot)
		}
		periods = append(periods, found...)
	}
	return periods, nil
}

func (svc *Service) Create(ctx context.Context, period Period) (Period, error) {
	if !period.Day.Valid() {
		return Period{}, core.NewValidationError(ErrInvalidWeekday, core.FieldError{Field: "day_of_week", Error: ErrInvalidWeekday.Error()})
	}
	if period.EndTime <= period.StartTime {
		return Period{}, core.NewValidationError(
			errors.New("period must end after it starts"),
			core.FieldError{Field: "end_time", Error: "must be after start_time"},
		)
	}
	return svc.repo.CreatePeriod(ctx, period)
}
