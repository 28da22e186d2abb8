package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"parley/internal/provider"
	"parley/internal/provider/factory"
	"parley/internal/session"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, factory.ErrUnknownProvider):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, provider.ErrInvalidArgument):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, provider.ErrUnauthenticated):
		return requestError{Status: http.StatusUnauthorized, Message: err.Error(), Type: "authentication_error"}
	case errors.Is(err, provider.ErrCancelled):
		return requestError{Status: http.StatusRequestTimeout, Message: err.Error(), Type: "cancelled"}
	}

	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: statusErr.Error(),
			Type:    "upstream_error",
			Code:    fmt.Sprintf("upstream_%d", statusErr.StatusCode),
		}
	}

	switch {
	case errors.Is(err, provider.ErrEmptyResponse):
		return requestError{Status: http.StatusBadGateway, Message: "upstream provider returned an empty response", Type: "upstream_error", Code: "empty_response"}
	case errors.Is(err, provider.ErrMalformedResponse):
		return requestError{Status: http.StatusBadGateway, Message: "upstream provider returned a malformed response", Type: "upstream_error", Code: "malformed_response"}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}
