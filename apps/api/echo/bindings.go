package echoapi

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type (
	requestValidator struct {
		validate *validator.Validate
	}

	// TickRequest runs a tick as if the clock read At (now when omitted).
	TickRequest struct {
		At *time.Time `json:"at"`
	}

	NotificationQuery struct {
		UserID int  `query:"user_id" json:"user_id" validate:"gt=0"`
		Unread bool `query:"unread" json:"unread"`
		Limit  int  `query:"limit" json:"limit" validate:"gte=0,lte=100"`
	}
)

var _ echo.Validator = (*requestValidator)(nil)

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// bindAndValidate binds the request into data and validates it.
func bindAndValidate(ctx echo.Context, data interface{}) error {
	if err := ctx.Bind(data); err != nil {
		return err
	}
	return ctx.Validate(data)
}
