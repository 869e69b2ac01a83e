package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nugget/parley/internal/agent"
)

// chatRequest is the body of every chat endpoint. The field names match
// the web UI's existing payload.
type chatRequest struct {
	Input          string `json:"input"`
	ModelName      string `json:"model_name"`
	ThreadID       string `json:"thread_id,omitempty"`
	RecursionLimit int    `json:"recursion_limit,omitempty"`

	// Render "html" adds final_html, the reply rendered from markdown.
	Render string `json:"render,omitempty"`
}

func (r *chatRequest) toAgent() (*agent.Request, error) {
	switch strings.ToLower(r.Render) {
	case "", "markdown", "html":
	default:
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Type:    typeValidation,
			Message: fmt.Sprintf("unknown render mode %q (valid: markdown, html)", r.Render),
		}
	}
	return &agent.Request{
		ThreadID:       r.ThreadID,
		Input:          r.Input,
		Model:          r.ModelName,
		RecursionLimit: r.RecursionLimit,
	}, nil
}

type chatResponse struct {
	FinalMessage string `json:"final_message"`
	ThreadID     string `json:"thread_id"`
	FinalHTML    string `json:"final_html,omitempty"`
	Model        string `json:"model,omitempty"`
	Iterations   int    `json:"iterations"`

	// Recovered is true when the reply stands in for a failed model
	// call.
	Recovered bool `json:"recovered,omitempty"`
}

func (s *Server) chatResponse(req *chatRequest, resp *agent.Response) chatResponse {
	out := chatResponse{
		FinalMessage: resp.Text,
		ThreadID:     resp.ThreadID,
		Model:        resp.Model,
		Iterations:   resp.Iterations,
		Recovered:    resp.Recovered != nil,
	}
	if strings.EqualFold(req.Render, "html") {
		html, err := renderHTML(resp.Text)
		if err != nil {
			s.logger.Warn("markdown render failed", "thread", resp.ThreadID, "error", err)
		} else {
			out.FinalHTML = html
		}
	}
	return out
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	areq, err := req.toAgent()
	if err != nil {
		return err
	}

	s.logger.Debug("chat request", "thread", req.ThreadID, "model", req.ModelName)

	resp, err := s.agent.Execute(c.Request().Context(), areq)
	if err != nil {
		return turnStatus(err)
	}
	return c.JSON(http.StatusOK, s.chatResponse(&req, resp))
}

// decodeRequestBody reads exactly one JSON object from the body.
func decodeRequestBody[T any](c echo.Context, target *T) error {
	body := c.Request().Body
	defer body.Close()

	decoder := json.NewDecoder(body)
	if err := decoder.Decode(target); err != nil {
		// The body limit middleware fails the read itself.
		var he *echo.HTTPError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{Status: http.StatusBadRequest, Type: typeRequest, Message: "request body is required"}
		case errors.As(err, &he):
			return he
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Type:    typeRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Type:    typeRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}
