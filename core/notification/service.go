package notification

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-notifier/core"
)

var (
	ErrNotFound = errors.New("notification not found")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		// ExistsSince reports whether the user got a notification with this title at or after since.
		ExistsSince(ctx context.Context, userID int, title string, since time.Time, exec ...core.DBExecutor) (bool, error)
		CreateNotification(ctx context.Context, n Notification, exec ...core.DBExecutor) (Notification, error)
		QueryNotifications(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Notification, error)
	}

	Service struct {
		repo     Repository
		validate *validator.Validate
	}
)

func NewService(repo Repository, validate *validator.Validate) *Service {
	return &Service{repo: repo, validate: validate}
}

// RecentlyNotified reports whether the user got a notification with this title within window before now.
func (svc *Service) RecentlyNotified(ctx context.Context, userID int, title string, window time.Duration, now time.Time) (bool, error) {
	exists, err := svc.repo.ExistsSince(ctx, userID, title, now.Add(-window).UTC())
	if err != nil {
		return false, errors.Wrap(err, "checking recent notifications")
	}
	return exists, nil
}

func (svc *Service) Create(ctx context.Context, nn NewNotification) (Notification, error) {
	if err := svc.validate.Struct(nn); err != nil {
		return Notification{}, err
	}

	createdAt := nn.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowFunc()
	}
	typ := nn.Type
	if typ == "" {
		typ = TypeInfo
	}
	n := Notification{
		ID:        uuid.New().String(),
		UserID:    nn.UserID,
		Title:     nn.Title,
		Message:   nn.Message,
		Type:      typ,
		Link:      nn.Link,
		CreatedAt: createdAt.UTC(),
	}
	n, err := svc.repo.CreateNotification(ctx, n)
	if err != nil {
		return Notification{}, errors.Wrap(err, "inserting notification")
	}
	return n, nil
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter) ([]Notification, error) {
	return svc.repo.QueryNotifications(ctx, filter)
}
