package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nugget/parley/internal/llm"
)

// streamEvent is one incremental update during a turn. SSE sends it as
// the data of an event named Type; WebSocket sends it as a message.
type streamEvent struct {
	Type      string         `json:"type"`
	Iteration int            `json:"iteration,omitempty"`
	Token     string         `json:"token,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// toStreamEvent converts a loop event. The loop's own done event is
// dropped; the handlers send their own with the thread ID.
func toStreamEvent(ev llm.StreamEvent) (streamEvent, bool) {
	out := streamEvent{Type: ev.Kind.String(), Iteration: ev.Iteration}
	switch ev.Kind {
	case llm.KindToken:
		out.Token = ev.Token
	case llm.KindToolCallStart:
		if ev.ToolCall != nil {
			out.Tool = ev.ToolCall.Name
			out.CallID = ev.ToolCall.ID
			out.Arguments = ev.ToolCall.Arguments
		}
	case llm.KindToolCallDone:
		out.Tool = ev.ToolName
		out.Result = ev.ToolResult
		out.Error = ev.ToolError
	default:
		return out, false
	}
	return out, true
}

type doneEvent struct {
	Type string `json:"type"`
	chatResponse
}

type errorEvent struct {
	Type string `json:"type"`
	errorBody
}

// handleChatStream runs a turn and delivers it as server-sent events:
// token, tool_call_start and tool_call_done as they happen, then one
// done or error event. Failures before the first event get a plain
// JSON error response with the mapped status.
func (s *Server) handleChatStream(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	areq, err := req.toAgent()
	if err != nil {
		return err
	}
	if err := s.agent.ValidateInput(areq); err != nil {
		return turnStatus(err)
	}

	w := c.Response()
	rc := http.NewResponseController(w)
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		h := w.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		w.WriteHeader(http.StatusOK)
	}
	send := func(event string, payload any) {
		begin()
		if err := writeSSEEvent(w, event, payload); err != nil {
			s.logger.Debug("failed to write SSE event", "event", event, "error", err)
			return
		}
		w.Flush()
		// Tool loops can outlast the server write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := s.agent.ExecuteStream(c.Request().Context(), areq, func(ev llm.StreamEvent) {
		if out, ok := toStreamEvent(ev); ok {
			send(out.Type, out)
		}
	})
	if err != nil {
		re := turnStatus(err)
		if !started {
			return re
		}
		send("error", errorEvent{Type: "error", errorBody: newErrorBody(re)})
		return nil
	}

	send("done", doneEvent{Type: "done", chatResponse: s.chatResponse(&req, resp)})
	return nil
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

const wsWriteWait = 10 * time.Second

// handleChatWS serves turns over a WebSocket. Each text message from
// the client is a chat request; the server answers with the same
// events the SSE endpoint sends. A request without thread_id continues
// the thread of the previous turn on the connection.
func (s *Server) handleChatWS(c echo.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()
	if s.opts.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.opts.MaxBodyBytes)
	}

	ctx := c.Request().Context()
	threadID := ""
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return nil
		}

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			re := requestError{Status: http.StatusBadRequest, Type: typeRequest, Message: fmt.Sprintf("invalid JSON payload: %v", err)}
			if err := s.writeWS(conn, errorEvent{Type: "error", errorBody: newErrorBody(re)}); err != nil {
				return nil
			}
			continue
		}
		if req.ThreadID == "" {
			req.ThreadID = threadID
		}

		id, err := s.serveWSTurn(ctx, conn, &req)
		if err != nil {
			return nil
		}
		if id != "" {
			threadID = id
		}
	}
}

// serveWSTurn runs one turn. The returned error is a write failure,
// which ends the connection; turn failures are reported to the client.
func (s *Server) serveWSTurn(ctx context.Context, conn *websocket.Conn, req *chatRequest) (string, error) {
	areq, err := req.toAgent()
	if err != nil {
		re, _ := err.(requestError)
		return "", s.writeWS(conn, errorEvent{Type: "error", errorBody: newErrorBody(re)})
	}

	var writeErr error
	resp, err := s.agent.ExecuteStream(ctx, areq, func(ev llm.StreamEvent) {
		if writeErr != nil {
			return
		}
		if out, ok := toStreamEvent(ev); ok {
			writeErr = s.writeWS(conn, out)
		}
	})
	if writeErr != nil {
		return "", writeErr
	}
	if err != nil {
		re := turnStatus(err)
		return re.ThreadID, s.writeWS(conn, errorEvent{Type: "error", errorBody: newErrorBody(re)})
	}
	return resp.ThreadID, s.writeWS(conn, doneEvent{Type: "done", chatResponse: s.chatResponse(req, resp)})
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug("failed to write websocket message", "error", err)
		return err
	}
	return nil
}

// checkOrigin accepts same-origin requests, requests without an Origin
// header, and origins listed in AllowOrigins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
