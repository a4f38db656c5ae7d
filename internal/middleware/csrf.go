package middleware

import (
	"net/http"

	"github.com/damacus/iron-folders/internal/utils"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

// CSRF guards cookie-authenticated calls. Requests that carry no session
// cookie authenticate with headers a browser never attaches on its own, so
// they are skipped.
func CSRF() echo.MiddlewareFunc {
	return echoMiddleware.CSRFWithConfig(echoMiddleware.CSRFConfig{
		TokenLookup:    "header:X-CSRF-Token",
		CookieName:     "csrf",
		CookiePath:     "/",
		CookieSameSite: http.SameSiteStrictMode,
		Skipper: func(c echo.Context) bool {
			req := c.Request()
			if req.URL.Path == "/session" && req.Method == http.MethodPost {
				return true
			}
			_, err := c.Cookie(utils.CookieName)
			return err != nil
		},
	})
}
