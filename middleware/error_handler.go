package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/text/language"

	serrors "github.com/pilab-dev/tenant-sso/errors"
	"github.com/pilab-dev/tenant-sso/internal/phrases"
	"github.com/pilab-dev/tenant-sso/internal/telemetry"
	"github.com/pilab-dev/tenant-sso/log"
)

// Deployment environments.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	rawErrorParam       = "parse_error"
	sessionNotFoundCode = "session.not_found"
	internalErrorMsg    = "Internal server error."
	hiddenErrorDesc     = "oops! something went wrong"
)

// errorURIs supplements OAuth error responses with a debugging link.
var errorURIs = map[string]string{
	serrors.InvalidGrant: "https://openid.sh/debug/invalid_grant",
}

// ErrorHandler renders every error returned by a handler or middleware. Install it with
// e.HTTPErrorHandler = h.Handle.
type ErrorHandler struct {
	env     string
	logger  log.Logger
	tracker telemetry.Tracker
}

// NewErrorHandler creates an ErrorHandler. tracker may be nil.
func NewErrorHandler(env string, logger log.Logger, tracker telemetry.Tracker) *ErrorHandler {
	if logger == nil {
		logger = log.Nop()
	}
	return &ErrorHandler{env: env, logger: logger, tracker: tracker}
}

// Handle implements echo.HTTPErrorHandler.
func (h *ErrorHandler) Handle(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	req := c.Request()
	ctx := req.Context()
	lang := phrases.Match(req.Header.Get("Accept-Language"))

	status, body := h.render(c, err, lang)

	h.track(ctx, err, status, req)
	if h.shouldLog(status) {
		h.logger.Error(ctx, "request failed", err, log.Fields{
			"status": status,
			"method": req.Method,
			"path":   req.URL.Path,
		})
	}

	var writeErr error
	if req.Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		h.logger.Warn(ctx, "failed to write error response", log.Fields{"error": writeErr.Error()})
	}
}

func (h *ErrorHandler) render(c echo.Context, err error, lang language.Tag) (int, map[string]any) {
	var (
		reqErr    *serrors.RequestError
		oauthErr  *serrors.OAuth2Error
		httpErr   *echo.HTTPError
		syntaxErr *json.SyntaxError
	)

	switch {
	case errors.As(err, &reqErr):
		body := map[string]any{
			"code":    reqErr.Code,
			"message": phrases.Translate(lang, reqErr.Code, nil),
		}
		if reqErr.Data != nil {
			body["data"] = reqErr.Data
		}
		return reqErr.Status, body

	case errors.As(err, &oauthErr):
		status := oauthErr.Status()
		body := oauthBody(oauthErr)
		if status >= http.StatusBadRequest && c.QueryParam(rawErrorParam) != "false" {
			enrich(body, lang)
		}
		return status, body

	case errors.As(err, &httpErr):
		message := httpErr.Message
		if s, ok := message.(string); !ok {
			message = fmt.Sprint(message)
		} else if s == "" {
			message = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, map[string]any{"message": message}

	case errors.As(err, &syntaxErr):
		return http.StatusBadRequest, map[string]any{"message": syntaxErr.Error()}

	default:
		return http.StatusInternalServerError, map[string]any{"message": internalErrorMsg}
	}
}

// oauthBody exposes only errors marked safe for clients.
func oauthBody(err *serrors.OAuth2Error) map[string]any {
	if !err.Expose {
		return map[string]any{
			"error":             serrors.ServerError,
			"error_description": hiddenErrorDesc,
		}
	}

	body := map[string]any{"error": err.Code}
	if err.Description != "" {
		body["error_description"] = err.Description
	}
	if err.Scope != "" {
		body["scope"] = err.Scope
	}
	return body
}

// enrich adds the localized code, message and error_uri next to the OAuth error fields.
func enrich(body map[string]any, lang language.Tag) {
	name, _ := body["error"].(string)
	description, _ := body["error_description"].(string)

	code := "oidc." + name
	if isSessionNotFound(description) {
		code = sessionNotFoundCode
	}

	key := code
	if !phrases.Has(key) {
		key = phrases.FallbackKey
	}

	body["code"] = code
	body["message"] = phrases.Translate(lang, key, map[string]string{"code": code})
	if uri, ok := errorURIs[name]; ok {
		body["error_uri"] = uri
	}
}

func isSessionNotFound(description string) bool {
	return (strings.Contains(description, "session") && strings.Contains(description, "not found")) ||
		strings.Contains(description, "authorization request has expired")
}

// shouldLog never logs in tests, logs everything in development and only server errors in
// production.
func (h *ErrorHandler) shouldLog(status int) bool {
	switch h.env {
	case EnvTest:
		return false
	case EnvProduction:
		return status >= http.StatusInternalServerError
	default:
		return true
	}
}

func (h *ErrorHandler) track(ctx context.Context, err error, status int, req *http.Request) {
	if h.tracker == nil {
		return
	}
	attrs := map[string]string{
		"http.method":      req.Method,
		"http.route":       req.URL.Path,
		"http.status_code": strconv.Itoa(status),
	}
	if trackErr := h.tracker.Track(ctx, err, attrs); trackErr != nil && !errors.Is(trackErr, telemetry.ErrNoRecordingSpan) {
		h.logger.Debug(ctx, "failed to track error", log.Fields{"error": trackErr.Error()})
	}
}
