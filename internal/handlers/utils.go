package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/sas"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// GetCredentials retrieves and validates credentials from the context
func GetCredentials(c echo.Context) (*services.Credential, error) {
	val := c.Get(utils.ContextKeyCreds)
	if val == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	creds, ok := val.(*services.Credential)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	return creds, nil
}

// Validator adapts go-playground/validator to echo.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates the request validator. Besides the built-in tags it
// knows ip_range: one address or an inclusive "a-b" range.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("ip_range", func(fl validator.FieldLevel) bool {
		return sas.ValidIPRange(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return &Validator{v: v}
}

// Validate implements echo.Validator.
func (cv *Validator) Validate(i any) error {
	if err := cv.v.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return apperr.Newf(apperr.Invalid, "validate", "field %s fails %q", f.Field(), f.Tag())
		}
		return apperr.New(apperr.Invalid, "validate", "invalid request").WithCause(err)
	}
	return nil
}

// bindAndValidate decodes the request body into req and validates it.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return apperr.New(apperr.Invalid, "bind", "malformed request body").WithCause(err)
	}
	return c.Validate(req)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Key   string `json:"key,omitempty"`
	Code  string `json:"code,omitempty"`
}

// HTTPErrorHandler renders every handler error as JSON. Classified errors
// map to their kind's status.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: "internal error"}

	var ae *apperr.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
		status = ae.Kind.HTTPStatus()
		msg := ae.Message
		if msg == "" {
			msg = ae.Error()
		}
		body = errorBody{Error: msg, Kind: ae.Kind.String(), Key: ae.Key, Code: ae.Code}
	case errors.As(err, &he):
		status = he.Code
		body.Error = fmt.Sprint(he.Message)
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request().URL.Path).Int("status", status).Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		log.Error().Err(err).Msg("write error response")
	}
}

// attachmentName quotes a download filename.
func attachmentName(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}

// archiveName picks the download name for a folder archive.
func archiveName(container, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return container + ".zip"
	}
	return path.Base(prefix) + ".zip"
}
