package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.broadcaster.Status())
}

func (s *Server) handleSessionInfo(c echo.Context) error {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid session id")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"participants": s.broadcaster.SessionParticipants(sessionID),
		"count":        s.broadcaster.SessionCount(sessionID),
	})
}

func (s *Server) handlePerformance(c echo.Context) error {
	return c.JSON(http.StatusOK, s.broadcaster.PerformanceReport())
}
