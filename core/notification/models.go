package notification

import "time"

// EventNewNotification is the real-time event carrying a freshly created Notification.
const EventNewNotification = "new notification"

type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeSuccess Type = "success"
	TypeError   Type = "error"
)

type (
	Notification struct {
		ID        string    `json:"id"`
		UserID    int       `json:"user_id"`
		Title     string    `json:"title"`
		Message   string    `json:"message"`
		Type      Type      `json:"type"`
		Link      string    `json:"link"`
		IsRead    bool      `json:"is_read"`
		CreatedAt time.Time `json:"created_at"`
	}

	NewNotification struct {
		UserID  int    `json:"user_id" validate:"gt=0"`
		Title   string `json:"title" validate:"required,max=255"`
		Message string `json:"message" validate:"required"`
		Type    Type   `json:"type" validate:"omitempty,oneof=info warning success error"`
		Link    string `json:"link" validate:"omitempty,max=500"`

		// CreatedAt defaults to the current time.
		CreatedAt time.Time `json:"-"`
	}

	QueryFilter struct {
		UserID     int
		UnreadOnly bool
		Limit      int
	}
)
