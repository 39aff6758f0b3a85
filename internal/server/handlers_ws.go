package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/triplink/tripcast/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Identity is verified upstream; origin is not the gate here
	},
}

// handleWebSocket attaches a verified client to its trip session room
// and pumps inbound frames into the broadcaster until the socket closes.
func (s *Server) handleWebSocket(c echo.Context) error {
	sessionID, err := strconv.ParseInt(c.QueryParam("session_id"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid session_id")
	}
	userID, err := strconv.ParseInt(c.QueryParam("user_id"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid user_id")
	}
	username := c.QueryParam("username")
	if username == "" {
		return c.String(http.StatusBadRequest, "Missing username")
	}

	sock, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn, err := s.broadcaster.Connect(sock, sessionID, userID, username)
	if err != nil {
		logging.WithError(err).Warn("Failed to register connection",
			"session_id", sessionID, "user_id", userID)
		_ = sock.Close()
		return nil
	}

	// Read pump. Blocks until the connection closes or errors, then
	// disconnects exactly once.
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			break
		}
		s.broadcaster.HandleInbound(conn.ID(), raw)
	}

	s.broadcaster.Disconnect(conn.ID())
	return nil
}
