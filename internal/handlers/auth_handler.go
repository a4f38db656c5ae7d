package handlers

import (
	"net/http"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/namespace"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// SessionTTL is how long the session cookie lives.
const SessionTTL = 24 * time.Hour

type AuthHandler struct {
	sessions *services.SessionService
	factory  services.StoreFactory
}

func NewAuthHandler(sessions *services.SessionService, factory services.StoreFactory) *AuthHandler {
	return &AuthHandler{sessions: sessions, factory: factory}
}

type loginRequest struct {
	// Container is listed once to verify the credential before the session is sealed.
	Container   string `json:"container" validate:"required"`
	BearerToken string `json:"bearerToken"`
	SignedQuery string `json:"signedQuery"`
	AccessKey   string `json:"accessKey" validate:"required_with=SecretKey"`
	SecretKey   string `json:"secretKey" validate:"required_with=AccessKey"`
}

type sessionInfo struct {
	Authenticated bool   `json:"authenticated"`
	Capability    bool   `json:"capability"`
	Method        string `json:"method,omitempty"`
}

func describe(cred *services.Credential) sessionInfo {
	info := sessionInfo{Authenticated: true, Capability: cred.IsCapability()}
	switch {
	case cred.BearerToken != "":
		info.Method = "bearer"
	case cred.SignedQuery != "":
		info.Method = "signed-query"
	case cred.AccessKey != "":
		info.Method = "access-key"
	}
	return info
}

// Login verifies the credential against the container and seals it into the
// session cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	cred := services.Credential{
		BearerToken: req.BearerToken,
		SignedQuery: services.NormalizeSignedQuery(req.SignedQuery),
		AccessKey:   req.AccessKey,
		SecretKey:   req.SecretKey,
	}
	if cred.Empty() {
		return apperr.New(apperr.Invalid, "login", "a bearer token, signed query string or access key is required")
	}

	// Attempt a lightweight call to verify the credential
	store, err := h.factory.NewStore(cred, req.Container)
	if err != nil {
		return err
	}
	if _, err := namespace.New(store).Exists(c.Request().Context(), ""); err != nil {
		log.Warn().Err(err).Str("container", req.Container).Msg("sign-in check failed")
		return err
	}

	sealed, err := h.sessions.Seal(cred)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	c.SetCookie(&http.Cookie{
		Name:     utils.CookieName,
		Value:    sealed,
		Expires:  time.Now().Add(SessionTTL),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   requestIsSecure(c),
	})
	return c.JSON(http.StatusOK, describe(&cred))
}

// Logout clears the session
func (h *AuthHandler) Logout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     utils.CookieName,
		Value:    "",
		Expires:  time.Now().Add(-1 * time.Hour),
		MaxAge:   -1,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   requestIsSecure(c),
	})
	return c.NoContent(http.StatusNoContent)
}

// Session reports how the caller is authenticated. A capability session
// cannot mint new links and gets different permission errors.
func (h *AuthHandler) Session(c echo.Context) error {
	cred, err := GetCredentials(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, describe(cred))
}

func requestIsSecure(c echo.Context) bool {
	req := c.Request()
	if req.TLS != nil {
		return true
	}

	return req.Header.Get("X-Forwarded-Proto") == "https"
}
