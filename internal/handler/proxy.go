package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"fhir-cors-proxy/internal/model"
	"fhir-cors-proxy/internal/service"
)

// secretParamPattern matches credential-like query parameter values in
// target URLs and error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:^|[?&])(?:access_token|token|apikey|api_key|key)=)[^&\s"]+`)

const defaultContentType = echo.MIMEApplicationJSON

// ProxyHandler answers preflight checks and forwards GET requests to FHIR servers.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Preflight answers a CORS preflight check. The CORS middleware has already
// set the headers; the body is empty.
func (h *ProxyHandler) Preflight(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentLength, "0")
	return c.NoContent(http.StatusOK)
}

// Forward validates the url query parameter, fetches the target and relays
// its status and body.
func (h *ProxyHandler) Forward(c echo.Context) error {
	query := c.Request().URL.Query()

	target, err := h.service.Target(query)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrHostNotAllowed) {
			status = http.StatusForbidden
		}
		h.logger.Warn("proxy request rejected",
			"url", redact(query.Get(service.TargetParam)),
			"status", status,
			"err", err,
		)
		return writeError(c, status, err.Error(), "")
	}

	res := h.service.Forward(c.Request().Context(), target)
	return h.relay(c, target.String(), res)
}

func (h *ProxyHandler) relay(c echo.Context, target string, res *model.FetchResult) error {
	switch res.Outcome {
	case model.OutcomeSuccess:
		h.logger.Info("proxied request",
			"url", redact(target),
			"status", res.StatusCode,
			"bytes", len(res.Body),
		)
		return writeBody(c, res)

	case model.OutcomeUpstreamStatus:
		h.logger.Error("proxy request failed",
			"url", redact(target),
			"status", res.StatusCode,
			"err", res.Reason,
		)
		return writeError(c, res.StatusCode,
			fmt.Sprintf("FHIR server returned HTTP %d", res.StatusCode), res.Reason)

	case model.OutcomeConnectivity:
		h.logger.Error("proxy request failed",
			"url", redact(target),
			"status", http.StatusBadGateway,
			"err", redact(res.Reason),
		)
		return writeError(c, http.StatusBadGateway, "Failed to connect to FHIR server", res.Reason)

	default:
		h.logger.Error("proxy request failed",
			"url", redact(target),
			"status", http.StatusInternalServerError,
			"err", redact(res.Reason),
		)
		return writeError(c, http.StatusInternalServerError, "Internal server error", res.Reason)
	}
}

// writeBody relays the target's body unmodified.
func writeBody(c echo.Context, res *model.FetchResult) error {
	if !bodyAllowed(res.StatusCode) {
		return c.NoContent(res.StatusCode)
	}

	contentType := res.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(res.Body)))
	return c.Blob(res.StatusCode, contentType, res.Body)
}

// bodyAllowed reports whether a response with status may carry a body (RFC 9110).
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// redact masks credential-like query parameter values.
func redact(s string) string {
	return secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
