package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/triplink/tripcast/internal/metrics"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
)

var (
	// ErrSendBuffer signals a full outbound buffer (slow client).
	ErrSendBuffer = errors.New("send buffer full")
	// ErrWriterClosed signals a send after the connection stopped.
	ErrWriterClosed = errors.New("connection writer closed")
)

// Socket is the transport surface a Connection writes to. Satisfied by
// *websocket.Conn; tests substitute in-memory fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DeliveryFunc observes one completed write: the frame's message class,
// measured write time and payload size, and the transport error if the
// write failed.
type DeliveryFunc func(c *Connection, class string, elapsed time.Duration, size int, err error)

// outFrame pairs an encoded payload with its message class so delivery
// outcomes can be attributed per class.
type outFrame struct {
	data  []byte
	class string
}

// ConnConfig tunes the writer goroutine.
type ConnConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func (cfg *ConnConfig) applyDefaults() {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
}

// Connection is one live socket with its session/user identity and a
// writer goroutine that serializes all outbound traffic.
type Connection struct {
	id          uuid.UUID
	sessionID   int64
	userID      int64
	username    string
	connectedAt time.Time

	socket     Socket
	clock      clockwork.Clock
	cfg        ConnConfig
	onDelivery DeliveryFunc

	sendCh   chan outFrame
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnection wraps a socket and starts its writer goroutine.
// onDelivery is invoked from the writer goroutine after every write
// attempt; a transport error there means the connection is dead and the
// caller should evict it.
func NewConnection(socket Socket, sessionID, userID int64, username string, clock clockwork.Clock, cfg ConnConfig, onDelivery DeliveryFunc) *Connection {
	cfg.applyDefaults()
	c := &Connection{
		id:          uuid.New(),
		sessionID:   sessionID,
		userID:      userID,
		username:    username,
		connectedAt: clock.Now(),
		socket:      socket,
		clock:       clock,
		cfg:         cfg,
		onDelivery:  onDelivery,
		sendCh:      make(chan outFrame, cfg.SendBuffer),
		doneCh:      make(chan struct{}),
	}
	c.configurePongHandler()
	c.wg.Add(1)
	go c.run()
	return c
}

// ID returns the opaque connection handle.
func (c *Connection) ID() uuid.UUID { return c.id }

// SessionID returns the trip session this connection watches.
func (c *Connection) SessionID() int64 { return c.sessionID }

// UserID returns the owning user.
func (c *Connection) UserID() int64 { return c.userID }

// Username returns the display name captured at connect time.
func (c *Connection) Username() string { return c.username }

// ConnectedAt returns the registration timestamp.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Send enqueues an encoded frame for the writer goroutine. It never
// blocks: a full buffer returns ErrSendBuffer, a stopped connection
// returns ErrWriterClosed. Frames are written in Send order.
func (c *Connection) Send(data []byte, class string) error {
	select {
	case <-c.doneCh:
		return ErrWriterClosed
	default:
	}

	select {
	case c.sendCh <- outFrame{data: data, class: class}:
		return nil
	case <-c.doneCh:
		return ErrWriterClosed
	default:
		return ErrSendBuffer
	}
}

// Stop terminates the writer goroutine and closes the socket. Idempotent.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
		_ = c.socket.Close()
	})
	c.wg.Wait()
}

// StopGraceful sends a close frame with reason before closing.
func (c *Connection) StopGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneCh)
		c.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.socket.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.socket.Close()
	})
	c.wg.Wait()
}

func (c *Connection) run() {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.sendCh:
			start := c.clock.Now()
			c.updateWriteDeadline()
			err := c.socket.WriteMessage(websocket.TextMessage, frame.data)
			elapsed := c.clock.Since(start)
			if err == nil {
				metrics.MessageSendDuration.Observe(elapsed.Seconds())
			}
			if c.onDelivery != nil {
				c.onDelivery(c, frame.class, elapsed, len(frame.data), err)
			}
			if err != nil {
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				if c.onDelivery != nil {
					c.onDelivery(c, "", 0, 0, err)
				}
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *Connection) configurePongHandler() {
	c.updateReadDeadline()
	c.socket.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

func (c *Connection) updateWriteDeadline() {
	_ = c.socket.SetWriteDeadline(c.clock.Now().Add(c.cfg.WriteTimeout))
}

func (c *Connection) updateReadDeadline() {
	_ = c.socket.SetReadDeadline(c.clock.Now().Add(c.cfg.PongTimeout))
}
