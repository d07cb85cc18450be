package inmemdb

import (
	"context"
	"time"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
)

type notificationRepository struct {
	db *notificationTable
}

var _ notification.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *DB) notification.Repository {
	return &notificationRepository{db: db.notification}
}

func (repo *notificationRepository) ExistsSince(_ context.Context, userID int, title string, since time.Time, _ ...core.DBExecutor) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, n := range repo.db.rows {
		if n.UserID == userID && n.Title == title && !n.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (repo *notificationRepository) CreateNotification(_ context.Context, n notification.Notification, _ ...core.DBExecutor) (notification.Notification, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	n.CreatedAt = n.CreatedAt.UTC()
	repo.db.rows = append(repo.db.rows, &n)
	return n, nil
}

// QueryNotifications returns matches newest first.
func (repo *notificationRepository) QueryNotifications(_ context.Context, filter notification.QueryFilter, _ ...core.DBExecutor) ([]notification.Notification, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var found []notification.Notification
	for i := len(repo.db.rows) - 1; i >= 0; i-- {
		n := repo.db.rows[i]
		if filter.UserID > 0 && n.UserID != filter.UserID {
			continue
		}
		if filter.UnreadOnly && n.IsRead {
			continue
		}
		found = append(found, *n)
		if filter.Limit > 0 && len(found) == filter.Limit {
			break
		}
	}
	return found, nil
}
