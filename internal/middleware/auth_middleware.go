package middleware

import (
	"net/http"
	"strings"

	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// publicPaths need no credential.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
	"/session": true,
}

// credentialFromRequest looks at, in order: an Authorization bearer token, a
// signed query string header, the session cookie. cred is nil when none is
// present; a cookie that fails to open is reported through badCookie.
func credentialFromRequest(c echo.Context, sessions *services.SessionService) (cred *services.Credential, badCookie bool) {
	req := c.Request()
	if auth := req.Header.Get(echo.HeaderAuthorization); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found && strings.TrimSpace(token) != "" {
			return &services.Credential{BearerToken: strings.TrimSpace(token)}, false
		}
	}
	if q := services.NormalizeSignedQuery(req.Header.Get(utils.HeaderSignedQuery)); q != "" {
		return &services.Credential{SignedQuery: q}, false
	}

	cookie, err := c.Cookie(utils.CookieName)
	if err != nil {
		return nil, false
	}
	opened, err := sessions.Open(cookie.Value)
	if err != nil || opened.Empty() {
		return nil, true
	}
	return opened, false
}

// AuthMiddleware resolves the caller's credential and stores it in the
// context. API calls without one get 401.
func AuthMiddleware(sessions *services.SessionService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if publicPaths[c.Request().URL.Path] {
				return next(c)
			}

			cred, badCookie := credentialFromRequest(c, sessions)
			if badCookie {
				// Invalid cookie - clear it so the client stops sending it
				c.SetCookie(&http.Cookie{
					Name:     utils.CookieName,
					Value:    "",
					Path:     "/",
					MaxAge:   -1,
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
				log.Debug().Str("path", c.Request().URL.Path).Msg("dropped unreadable session cookie")
			}
			if cred == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "sign in or present a signed query string")
			}

			c.Set(utils.ContextKeyCreds, cred)
			return next(c)
		}
	}
}
