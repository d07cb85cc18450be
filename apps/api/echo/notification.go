package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-notifier/core/notification"
)

const defaultNotificationLimit = 20

type notificationApi struct {
	service *notification.Service
}

func registerNotificationAPI(g *echo.Group, svc *notification.Service) {
	api := notificationApi{service: svc}

	g.GET("/notifications", api.query)
}

func (api *notificationApi) query(ctx echo.Context) error {
	data := new(NotificationQuery)
	if err := bindAndValidate(ctx, data); err != nil {
		return err
	}
	if data.Limit == 0 {
		data.Limit = defaultNotificationLimit
	}

	notifs, err := api.service.Query(ctx.Request().Context(), notification.QueryFilter{
		UserID:     data.UserID,
		UnreadOnly: data.Unread,
		Limit:      data.Limit,
	})
	if err != nil {
		return err
	}
	if notifs == nil {
		notifs = []notification.Notification{}
	}
	return ctx.JSON(http.StatusOK, notifs)
}
