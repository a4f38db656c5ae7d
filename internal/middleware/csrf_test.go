package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/damacus/iron-folders/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionCookie = &http.Cookie{Name: utils.CookieName, Value: "sealed"}

func newCSRFServer() *echo.Echo {
	e := echo.New()
	e.Use(CSRF())
	e.GET("/api/session", func(c echo.Context) error {
		token, _ := c.Get("csrf").(string)
		return c.String(http.StatusOK, token)
	})
	e.POST("/api/containers/photos/folders", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestCSRFMiddlewareRejectsCookiePostWithoutToken(t *testing.T) {
	e := newCSRFServer()

	req := httptest.NewRequest(http.MethodPost, "/api/containers/photos/folders", strings.NewReader(`{"prefix":"a/"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.AddCookie(sessionCookie)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCSRFMiddlewareSkipsHeaderAuthenticatedCalls(t *testing.T) {
	e := newCSRFServer()

	req := httptest.NewRequest(http.MethodPost, "/api/containers/photos/folders", strings.NewReader(`{"prefix":"a/"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCSRFMiddlewareAllowsPostWithTokenHeaderAndCookie(t *testing.T) {
	e := newCSRFServer()

	getReq := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	getReq.AddCookie(sessionCookie)
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
	token := strings.TrimSpace(getRec.Body.String())
	require.NotEmpty(t, token)

	var csrfCookie *http.Cookie
	for _, cookie := range getRec.Result().Cookies() {
		if cookie.Name == "csrf" {
			csrfCookie = cookie
			break
		}
	}
	require.NotNil(t, csrfCookie)

	postReq := httptest.NewRequest(http.MethodPost, "/api/containers/photos/folders", strings.NewReader(`{"prefix":"a/"}`))
	postReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	postReq.Header.Set("X-CSRF-Token", token)
	postReq.AddCookie(sessionCookie)
	postReq.AddCookie(csrfCookie)
	postRec := httptest.NewRecorder()
	e.ServeHTTP(postRec, postReq)

	assert.Equal(t, http.StatusOK, postRec.Code)
}
