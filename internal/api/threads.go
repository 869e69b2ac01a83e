package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/memory"
)

func (s *Server) handleThreads(c echo.Context) error {
	list, err := s.threads.ListThreads(c.Request().Context())
	if err != nil {
		s.logger.Error("thread listing failed", "error", err)
		return requestError{Status: http.StatusServiceUnavailable, Type: typePersistence, Message: "could not list threads"}
	}
	if list == nil {
		list = []checkpoint.ThreadSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"threads": list,
		"count":   len(list),
	})
}

func (s *Server) handleThread(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.threads.Load(c.Request().Context(), id)
	if err != nil {
		s.logger.Error("thread load failed", "thread", id, "error", err)
		return requestError{Status: http.StatusServiceUnavailable, Type: typePersistence, Message: "could not load thread", ThreadID: id}
	}
	if len(msgs) == 0 {
		return requestError{Status: http.StatusNotFound, Type: typeNotFound, Message: "thread not found", ThreadID: id}
	}
	return c.JSON(http.StatusOK, struct {
		ThreadID     string           `json:"thread_id"`
		MessageCount int              `json:"message_count"`
		Messages     []memory.Message `json:"messages"`
	}{id, len(msgs), msgs})
}
