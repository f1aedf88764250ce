package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/apierr"
	"github.com/medibook/medibook/internal/platform/auth"
)

// Recovery converts a handler panic into a 500 carrying the standard error
// body. The panic and its stack go to the request logger attached by Logger,
// or to fallback when the panic happened before one was attached.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(fallback zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				ctx := c.Request().Context()
				logger := zerolog.Ctx(ctx)
				if logger.GetLevel() == zerolog.Disabled {
					logger = &fallback
				}
				evt := logger.Error().
					Interface("panic", r).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Bytes("stack", debug.Stack())
				if p, ok := auth.PrincipalFromContext(ctx); ok {
					evt = evt.Str("user_id", p.UserID)
				}
				evt.Msg("panic recovered")

				if c.Response().Committed {
					err = nil
					return
				}
				err = c.JSON(http.StatusInternalServerError, apierr.Body{
					Error: http.StatusText(http.StatusInternalServerError),
					Code:  apierr.Internal.Code,
				})
			}()
			return next(c)
		}
	}
}
