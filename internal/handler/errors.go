package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/segmentio/encoding/json"

	"fhir-cors-proxy/internal/model"
)

// writeError sends {"error": msg, "details": details} with an explicit Content-Length.
func writeError(c echo.Context, status int, msg, details string) error {
	b, err := json.Marshal(model.ErrorBody{Error: msg, Details: details})
	if err != nil {
		return fmt.Errorf("encode error body: %w", err)
	}
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(b)))
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

// ErrorHandler renders framework errors (405, 413, 429, panics) in the same
// JSON shape as proxy errors.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := "Internal server error"
		details := ""

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			} else {
				msg = http.StatusText(status)
			}
		} else {
			details = err.Error()
			logger.Error("unhandled error", "path", c.Request().URL.Path, "err", err)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = writeError(c, status, msg, details)
		}
		if werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}
