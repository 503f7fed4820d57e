package handlers

import (
	"errors"
	"net/http"
	"strconv"

	apperr "mohierarchy/pkg/errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func newErrorResponse(code apperr.Code, message string, details map[string]any) *ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = string(code)
	resp.Error.Message = message
	resp.Error.Details = details
	return &resp
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalid, apperr.CodeConflict:
		return http.StatusUnprocessableEntity
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeUnavailable, apperr.CodeDeadline:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders AppErrors with their mapped status. Echo's own HTTPErrors keep their status.
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			code := apperr.CodeInvalid
			switch {
			case he.Code == http.StatusNotFound:
				code = apperr.CodeNotFound
			case he.Code >= http.StatusInternalServerError:
				code = apperr.CodeInternal
			}
			_ = c.JSON(he.Code, newErrorResponse(code, msg, nil))
			return
		}

		code := apperr.CodeOf(err)
		status := statusFor(code)
		msg := err.Error()
		var details map[string]any
		var ae *apperr.AppError
		if errors.As(err, &ae) {
			msg = ae.Message
			details = ae.Meta
		}
		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.String("code", string(code)),
				zap.Error(err))
			if code == apperr.CodeUnknown {
				code = apperr.CodeInternal
				msg = "internal error"
			}
		}
		_ = c.JSON(status, newErrorResponse(code, msg, details))
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.CodeInvalid, "invalid %s %q", name, c.Param(name))
	}
	return id, nil
}
