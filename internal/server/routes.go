package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Status query surface
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/sessions/:id", s.handleSessionInfo)
	s.echo.GET("/api/performance", s.handlePerformance)

	// WebSocket attach (identity verified upstream)
	s.echo.GET("/ws", s.handleWebSocket)
}
