package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nugget/parley/internal/agent"
)

// Error types in the JSON error body.
const (
	typeValidation     = "validation_error"
	typeRecursionLimit = "recursion_limit"
	typePersistence    = "persistence_error"
	typeConfiguration  = "configuration_error"
	typeNotFound       = "not_found"
	typeRequest        = "invalid_request_error"
	typeServer         = "server_error"
)

// requestError is a handler failure with a known status and type.
type requestError struct {
	Status   int
	Type     string
	Message  string
	ThreadID string
}

func (e requestError) Error() string { return e.Message }

type errorBody struct {
	Error struct {
		Type     string `json:"type"`
		Message  string `json:"message"`
		ThreadID string `json:"thread_id,omitempty"`
	} `json:"error"`
}

func newErrorBody(e requestError) errorBody {
	var b errorBody
	b.Error.Type = e.Type
	b.Error.Message = e.Message
	b.Error.ThreadID = e.ThreadID
	return b
}

// turnStatus maps a turn failure to its HTTP status and error type.
func turnStatus(err error) requestError {
	re := requestError{Message: err.Error()}
	var te *agent.TurnError
	if errors.As(err, &te) {
		re.ThreadID = te.ThreadID
	}
	switch agent.KindOf(err) {
	case agent.KindValidation:
		re.Status, re.Type = http.StatusBadRequest, typeValidation
	case agent.KindRecursionLimit:
		re.Status, re.Type = http.StatusLoopDetected, typeRecursionLimit
	case agent.KindPersistence:
		re.Status, re.Type = http.StatusServiceUnavailable, typePersistence
	case agent.KindConfiguration:
		re.Status, re.Type = http.StatusInternalServerError, typeConfiguration
	default:
		re.Status, re.Type, re.Message = http.StatusInternalServerError, typeServer, "internal server error"
	}
	return re
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var re requestError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &re):
	case errors.As(err, &he):
		re = requestError{Status: he.Code, Type: typeRequest, Message: fmt.Sprint(he.Message)}
		if he.Code == http.StatusNotFound {
			re.Type = typeNotFound
		}
		if he.Code >= 500 {
			re.Type = typeServer
		}
	default:
		s.logger.Error("unhandled request error", "path", c.Path(), "error", err)
		re = requestError{Status: http.StatusInternalServerError, Type: typeServer, Message: "internal server error"}
	}

	if err := c.JSON(re.Status, newErrorBody(re)); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}
