package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

var nowFunc = time.Now // mockable

type dispatcherApi struct {
	dispatcher Dispatcher
}

func registerDispatcherAPI(g *echo.Group, dispatcher Dispatcher, debug bool) {
	api := dispatcherApi{dispatcher: dispatcher}

	dg := g.Group("/dispatcher")
	dg.GET("", api.status)
	dg.POST("/ticks", api.tick, debugOnlyMiddleware(debug))
}

func (api *dispatcherApi) status(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.dispatcher.Status())
}

// tick runs one tick synchronously; it waits for a scheduled tick in progress.
func (api *dispatcherApi) tick(ctx echo.Context) error {
	data := new(TickRequest)
	if err := bindAndValidate(ctx, data); err != nil {
		return err
	}

	at := nowFunc()
	if data.At != nil {
		at = *data.At
	}
	return ctx.JSON(http.StatusOK, api.dispatcher.RunTick(ctx.Request().Context(), at))
}
