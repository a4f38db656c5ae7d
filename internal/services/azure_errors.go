package services

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/damacus/iron-folders/internal/apperr"
)

// utf8BOM prefixes most XML documents the blob service returns.
var utf8BOM = []byte("\xef\xbb\xbf")

// storageErrorBody is the structured error document of the blob service.
type storageErrorBody struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// deniedCodes are service codes that mean the caller is not allowed,
// whatever status they arrive with.
var deniedCodes = []bloberror.Code{
	bloberror.AuthenticationFailed,
	bloberror.AuthorizationFailure,
	bloberror.AuthorizationPermissionMismatch,
	bloberror.AuthorizationResourceTypeMismatch,
	bloberror.AuthorizationSourceIPMismatch,
	bloberror.InsufficientAccountPermissions,
}

// classifyError turns an SDK failure into a typed error. Anything that is not
// a service response never reached the endpoint.
func classifyError(op, key string, err error, capability bool) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		return apperr.Unreachable(op, key, err)
	}

	status := re.StatusCode
	if bloberror.HasCode(err, deniedCodes...) && status != http.StatusUnauthorized {
		status = http.StatusForbidden
	}
	message := ""
	if re.RawResponse != nil {
		if body, perr := runtime.Payload(re.RawResponse); perr == nil {
			message = errorMessage(body)
		}
	}
	e := classifyStatus(op, key, status, re.ErrorCode, message, capability)
	e.Status = re.StatusCode
	e.Err = err
	return e
}

// classifyResponse turns a non-success raw response into a typed error. The
// caller still owns resp.Body.
func classifyResponse(op, key string, resp *http.Response, capability bool) *apperr.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	code := resp.Header.Get("x-ms-error-code")
	var parsed storageErrorBody
	if len(body) > 0 && xml.Unmarshal(bytes.TrimPrefix(body, utf8BOM), &parsed) == nil && parsed.Code != "" {
		code = parsed.Code
	}
	return classifyStatus(op, key, resp.StatusCode, code, errorMessage(body), capability)
}

func errorMessage(body []byte) string {
	var parsed storageErrorBody
	if len(body) == 0 || xml.Unmarshal(bytes.TrimPrefix(body, utf8BOM), &parsed) != nil {
		return ""
	}
	return firstLine(parsed.Message)
}

func classifyStatus(op, key string, status int, code, message string, capability bool) *apperr.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e := apperr.Denied(op, key, status, capability)
		e.Code = code
		return e
	case http.StatusNotFound:
		if message == "" {
			message = "the addressed object or container does not exist"
		}
		return &apperr.Error{Kind: apperr.NotFound, Op: op, Key: key, Status: status, Code: code, Message: message}
	case http.StatusConflict, http.StatusPreconditionFailed:
		if message == "" {
			message = "the destination is occupied or changed concurrently"
		}
		return &apperr.Error{Kind: apperr.Conflict, Op: op, Key: key, Status: status, Code: code, Message: message}
	case http.StatusRequestEntityTooLarge:
		if message == "" {
			message = "the payload exceeds a backend limit"
		}
		return &apperr.Error{Kind: apperr.TooLarge, Op: op, Key: key, Status: status, Code: code, Message: message}
	}

	if message == "" {
		message = fmt.Sprintf("storage backend returned %d %s", status, http.StatusText(status))
	}
	return &apperr.Error{
		Kind:       apperr.BackendError,
		Op:         op,
		Key:        key,
		Status:     status,
		Code:       code,
		Message:    message,
		Capability: capability,
	}
}

// firstLine drops the RequestId/Time trailer the service appends to messages.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
