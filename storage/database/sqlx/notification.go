package sqlxrepos

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
)

type notificationRepository struct {
	exec core.DBExecutor
}

var _ notification.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(exec core.DBExecutor) notification.Repository {
	return &notificationRepository{exec: exec}
}

func (repo notificationRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

type notificationRow struct {
	ID        string      `db:"id"`
	UserID    int         `db:"user_id"`
	Title     string      `db:"title"`
	Message   string      `db:"message"`
	Type      string      `db:"type"`
	Link      null.String `db:"link"`
	IsRead    bool        `db:"is_read"`
	CreatedAt time.Time   `db:"created_at"`
}

func toRow(n notification.Notification) notificationRow {
	return notificationRow{
		ID:        n.ID,
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      string(n.Type),
		Link:      null.NewString(n.Link, n.Link != ""),
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

func (row notificationRow) notification() notification.Notification {
	return notification.Notification{
		ID:        row.ID,
		UserID:    row.UserID,
		Title:     row.Title,
		Message:   row.Message,
		Type:      notification.Type(row.Type),
		Link:      row.Link.String,
		IsRead:    row.IsRead,
		CreatedAt: row.CreatedAt.UTC(),
	}
}

func (repo notificationRepository) ExistsSince(ctx context.Context, userID int, title string, since time.Time, exec ...core.DBExecutor) (bool, error) {
	db := repo.getExec(exec)

	var exists bool
	q := db.Rebind("SELECT EXISTS (SELECT 1 FROM notifications WHERE user_id = ? AND title = ? AND created_at >= ?)")
	if err := db.GetContext(ctx, &exists, q, userID, title, since.UTC()); err != nil {
		return false, errors.Wrap(err, "checking notifications")
	}
	return exists, nil
}

func (repo notificationRepository) CreateNotification(ctx context.Context, n notification.Notification, exec ...core.DBExecutor) (notification.Notification, error) {
	row := toRow(n)
	_, err := sqlx.NamedExecContext(ctx, repo.getExec(exec), `
INSERT INTO notifications (id, user_id, title, message, type, link, is_read, created_at)
VALUES (:id, :user_id, :title, :message, :type, :link, :is_read, :created_at)`, row)
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "inserting notification")
	}
	return row.notification(), nil
}

func (repo notificationRepository) QueryNotifications(ctx context.Context, filter notification.QueryFilter, exec ...core.DBExecutor) ([]notification.Notification, error) {
	db := repo.getExec(exec)

	var (
		where []string
		args  []interface{}
	)
	if filter.UserID > 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.UnreadOnly {
		where = append(where, "NOT is_read")
	}

	q := "SELECT id, user_id, title, message, type, link, is_read, created_at FROM notifications"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += core.OrderBy(core.DBOrdering{Field: "created_at"}, core.DBOrdering{Field: "id"})
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []notificationRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}

	notifs := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		notifs = append(notifs, row.notification())
	}
	return notifs, nil
}
