package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/triplink/tripcast/internal/event"
	"github.com/triplink/tripcast/internal/logging"
	"github.com/triplink/tripcast/internal/metrics"
	"github.com/triplink/tripcast/internal/optimizer"
	"github.com/triplink/tripcast/internal/queue"
	"github.com/triplink/tripcast/internal/registry"
)

const (
	commandTimeout    = 5 * time.Second
	commandBuffer     = 256
	batchTickInterval = 250 * time.Millisecond
	depthTickInterval = time.Second
)

// Eviction reasons recorded on forced disconnects.
const (
	reasonTransportFailure = "transport_failure"
	reasonSlowClient       = "slow_client"
	reasonCriticalQuality  = "critical_quality"
)

// Config tunes the broadcaster.
type Config struct {
	MaxClientsPerSession int
	StopTimeout          time.Duration
	FlushInterval        time.Duration
	SweepInterval        time.Duration
	StaleAfter           time.Duration
	Conn                 registry.ConnConfig
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxClientsPerSession <= 0 {
		cfg.MaxClientsPerSession = 50
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
}

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type connectCmd struct {
	baseBroadcasterCmd
	conn         *registry.Connection
	errorChannel chan error
}

type disconnectCmd struct {
	baseBroadcasterCmd
	connID uuid.UUID
	reason string
}

type sendToUserCmd struct {
	baseBroadcasterCmd
	userID int64
	class  string
	frame  json.RawMessage
}

type sendToSessionCmd struct {
	baseBroadcasterCmd
	sessionID int64
	origin    int64
	class     string
	frame     json.RawMessage
}

type broadcastSessionCmd struct {
	baseBroadcasterCmd
	sessionID     int64
	origin        int64
	excludeUserID int64
	class         string
	frame         json.RawMessage
}

type broadcastAllCmd struct {
	baseBroadcasterCmd
	class string
	frame json.RawMessage
}

type inboundCmd struct {
	baseBroadcasterCmd
	connID uuid.UUID
	raw    []byte
}

type stopCmd struct {
	baseBroadcasterCmd
}

// batchKey identifies one coalescing buffer.
type batchKey struct {
	sessionID int64
	class     string
}

// pendingFrame keeps the originating user with each buffered frame so
// batch overflow can be parked in the right backlog.
type pendingFrame struct {
	origin int64
	frame  json.RawMessage
}

type pendingBatch struct {
	frames   []pendingFrame
	openedAt time.Time
}

// Broadcaster binds registry, optimizer, and queue behind the only API
// external collaborators call.
type Broadcaster struct {
	cmdCh    chan broadcasterCmd
	clock    clockwork.Clock
	cfg      Config
	registry *registry.Registry
	policy   *optimizer.Optimizer
	backlog  *queue.Queue

	pending map[batchKey]*pendingBatch
	done    chan struct{}
}

// New creates a broadcaster and starts its actor goroutine.
func New(reg *registry.Registry, policy *optimizer.Optimizer, backlog *queue.Queue, clock clockwork.Clock, cfg Config) *Broadcaster {
	cfg.applyDefaults()
	b := &Broadcaster{
		cmdCh:    make(chan broadcasterCmd, commandBuffer),
		clock:    clock,
		cfg:      cfg,
		registry: reg,
		policy:   policy,
		backlog:  backlog,
		pending:  make(map[batchKey]*pendingBatch),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Connect wraps a socket in a Connection, registers it, confirms with a
// connection_established envelope, replays any queued backlog, and
// announces the participant to the rest of the session. On rejection
// the socket is closed.
func (b *Broadcaster) Connect(socket registry.Socket, sessionID, userID int64, username string) (*registry.Connection, error) {
	conn := registry.NewConnection(socket, sessionID, userID, username, b.clock, b.cfg.Conn, b.onDelivery)

	errCh := make(chan error, 1)
	b.cmdCh <- connectCmd{conn: conn, errorChannel: errCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			conn.Stop()
			return nil, err
		}
		return conn, nil
	case <-timer.Chan():
		conn.Stop()
		return nil, fmt.Errorf("connect command timed out after %v", commandTimeout)
	}
}

// Disconnect removes a connection and announces the departure. Safe to
// call multiple times or with an unknown handle.
func (b *Broadcaster) Disconnect(connID uuid.UUID) {
	b.cmdCh <- disconnectCmd{connID: connID}
}

// SendToUser delivers an envelope to every connection a user holds.
func (b *Broadcaster) SendToUser(userID int64, class string, env any) error {
	frame, err := event.Encode(env)
	if err != nil {
		return err
	}
	b.cmdCh <- sendToUserCmd{userID: userID, class: class, frame: frame}
	return nil
}

// SendToSession delivers an envelope to every connection in a session.
func (b *Broadcaster) SendToSession(sessionID, origin int64, class string, env any) error {
	frame, err := event.Encode(env)
	if err != nil {
		return err
	}
	b.cmdCh <- sendToSessionCmd{sessionID: sessionID, origin: origin, class: class, frame: frame}
	return nil
}

// BroadcastToSession delivers an envelope to a session, optionally
// skipping one user's connections (excludeUserID 0 skips nobody).
func (b *Broadcaster) BroadcastToSession(sessionID, origin int64, class string, env any, excludeUserID int64) error {
	frame, err := event.Encode(env)
	if err != nil {
		return err
	}
	b.cmdCh <- broadcastSessionCmd{sessionID: sessionID, origin: origin, excludeUserID: excludeUserID, class: class, frame: frame}
	return nil
}

// BroadcastToAll delivers an envelope to every live connection.
func (b *Broadcaster) BroadcastToAll(class string, env any) error {
	frame, err := event.Encode(env)
	if err != nil {
		return err
	}
	b.cmdCh <- broadcastAllCmd{class: class, frame: frame}
	return nil
}

// HandleInbound dispatches one raw client frame. Called from the
// connection's read loop.
func (b *Broadcaster) HandleInbound(connID uuid.UUID, raw []byte) {
	b.cmdCh <- inboundCmd{connID: connID, raw: raw}
}

// Stop shuts the actor down, closing all client connections. Blocks
// until the goroutine exits or the stop timeout is reached.
func (b *Broadcaster) Stop() {
	b.cmdCh <- stopCmd{}

	timer := b.clock.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		slog.Info("Broadcaster stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Broadcaster stop timeout exceeded", "timeout", b.cfg.StopTimeout)
		metrics.BroadcasterStopTimeoutsTotal.Inc()
	}
}

// onDelivery runs on writer goroutines after every write attempt. It
// must never block on the actor: quality updates go straight to the
// optimizer (thread-safe), eviction is requested asynchronously.
func (b *Broadcaster) onDelivery(c *registry.Connection, class string, elapsed time.Duration, size int, err error) {
	b.policy.RecordDelivery(c.ID(), class, size, elapsed, err)
	if err != nil {
		go b.requestEviction(c.ID(), reasonTransportFailure)
	}
}

// requestEviction queues a forced disconnect without outliving the
// actor: once the actor has exited nobody drains cmdCh, so give up
// instead of blocking forever.
func (b *Broadcaster) requestEviction(connID uuid.UUID, reason string) {
	select {
	case b.cmdCh <- disconnectCmd{connID: connID, reason: reason}:
	case <-b.done:
	}
}

func (b *Broadcaster) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
			b.closeAllConnections("broadcaster panic")
		}
	}()
	defer close(b.done)

	batchTicker := b.clock.NewTicker(batchTickInterval)
	defer batchTicker.Stop()
	flushTicker := b.clock.NewTicker(b.cfg.FlushInterval)
	defer flushTicker.Stop()
	sweepTicker := b.clock.NewTicker(b.cfg.SweepInterval)
	defer sweepTicker.Stop()
	depthTicker := b.clock.NewTicker(depthTickInterval)
	defer depthTicker.Stop()

	for {
		select {
		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				b.handleConnect(c)
			case disconnectCmd:
				b.handleDisconnect(c)
			case sendToUserCmd:
				b.handleSendToUser(c)
			case sendToSessionCmd:
				b.route(c.sessionID, c.origin, c.class, c.frame, 0)
			case broadcastSessionCmd:
				b.route(c.sessionID, c.origin, c.class, c.frame, c.excludeUserID)
			case broadcastAllCmd:
				b.handleBroadcastAll(c)
			case inboundCmd:
				b.handleInbound(c)
			case stopCmd:
				b.handleStop()
				return
			default:
				slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-batchTicker.Chan():
			b.flushBatches(false)
		case <-flushTicker.Chan():
			b.flushBacklogs()
		case <-sweepTicker.Chan():
			b.sweepQuality()
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			metrics.BroadcasterCommandChannelDepth.Set(float64(depth))
			if depth > cap(b.cmdCh)*4/5 {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(b.cmdCh))
			}
		}
	}
}

func (b *Broadcaster) handleConnect(c connectCmd) {
	conn := c.conn
	if b.registry.SessionCount(conn.SessionID()) >= b.cfg.MaxClientsPerSession {
		slog.Warn("Rejecting client: max clients reached",
			"session_id", conn.SessionID(), "max_clients", b.cfg.MaxClientsPerSession)
		c.errorChannel <- fmt.Errorf("max clients per session (%d) reached", b.cfg.MaxClientsPerSession)
		return
	}

	if err := b.registry.Register(conn); err != nil {
		c.errorChannel <- err
		return
	}
	b.policy.Track(conn.ID(), conn.UserID(), conn.SessionID())

	// Control-plane confirmation, never throttled.
	established := event.ConnectionEstablished{
		Envelope:  event.NewEnvelope(event.TypeConnectionEstablished, b.clock.Now()),
		Message:   "Connected to real-time updates",
		UserID:    conn.UserID(),
		SessionID: conn.SessionID(),
	}
	if data, err := event.Encode(established); err != nil {
		slog.Error("Failed to encode connection confirmation", "error", err)
	} else {
		b.deliver(conn, "", data)
	}

	b.replayBacklog(conn)

	joined := event.ParticipantJoined{
		Envelope: event.NewEnvelope(event.TypeParticipantJoined, b.clock.Now()),
		UserID:   conn.UserID(),
		Username: conn.Username(),
	}
	if data, err := event.Encode(joined); err != nil {
		slog.Error("Failed to encode participant_joined", "error", err)
	} else {
		b.route(conn.SessionID(), conn.UserID(), "", data, conn.UserID())
	}

	logging.WithSession(conn.SessionID()).Info("Client connected",
		"user_id", conn.UserID(),
		"username", conn.Username(),
		"total_clients", b.registry.SessionCount(conn.SessionID()),
	)
	c.errorChannel <- nil
}

func (b *Broadcaster) handleDisconnect(c disconnectCmd) {
	conn := b.registry.Unregister(c.connID)
	if conn == nil {
		return
	}

	conn.Stop()
	b.policy.Forget(c.connID)
	if c.reason != "" {
		metrics.EvictionsTotal.WithLabelValues(c.reason).Inc()
	}

	left := event.ParticipantLeft{
		Envelope: event.NewEnvelope(event.TypeParticipantLeft, b.clock.Now()),
		UserID:   conn.UserID(),
		Username: conn.Username(),
	}
	if data, err := event.Encode(left); err != nil {
		slog.Error("Failed to encode participant_left", "error", err)
	} else {
		b.route(conn.SessionID(), conn.UserID(), "", data, 0)
	}

	logging.WithSession(conn.SessionID()).Info("Client disconnected",
		"user_id", conn.UserID(),
		"reason", c.reason,
		"remaining_clients", b.registry.SessionCount(conn.SessionID()),
	)
}

// route is the shared policy path for session-scoped traffic: throttle
// by the message's originating user, coalesce batchable classes, and
// send everything else directly over a snapshot of the room.
func (b *Broadcaster) route(sessionID, origin int64, class string, frame json.RawMessage, excludeUserID int64) {
	if class != "" && b.policy.ShouldThrottle(origin, class) {
		b.backlog.Enqueue(origin, queue.Message{
			Class:     class,
			SessionID: sessionID,
			Reason:    queue.ReasonThrottled,
			Payload:   frame,
		})
		return
	}

	if _, batchable := b.policy.BatchWindow(class); batchable {
		key := batchKey{sessionID: sessionID, class: class}
		p, ok := b.pending[key]
		if !ok {
			p = &pendingBatch{openedAt: b.clock.Now()}
			b.pending[key] = p
		}
		p.frames = append(p.frames, pendingFrame{origin: origin, frame: frame})
		return
	}

	for _, conn := range b.registry.ForSession(sessionID) {
		if excludeUserID != 0 && conn.UserID() == excludeUserID {
			continue
		}
		b.deliver(conn, class, frame)
	}
}

func (b *Broadcaster) handleSendToUser(c sendToUserCmd) {
	if c.class != "" && b.policy.ShouldThrottle(c.userID, c.class) {
		b.backlog.Enqueue(c.userID, queue.Message{
			Class:   c.class,
			Reason:  queue.ReasonThrottled,
			Payload: c.frame,
		})
		return
	}

	conns := b.registry.ForUser(c.userID)
	if len(conns) == 0 {
		b.backlog.Enqueue(c.userID, queue.Message{
			Class:   c.class,
			Reason:  queue.ReasonOffline,
			Payload: c.frame,
		})
		return
	}
	for _, conn := range conns {
		b.deliver(conn, c.class, c.frame)
	}
}

func (b *Broadcaster) handleBroadcastAll(c broadcastAllCmd) {
	for _, conn := range b.registry.All() {
		b.deliver(conn, c.class, c.frame)
	}
}

// deliver hands one frame to a connection's writer. A refused send
// (full buffer or stopped writer) is a slow-client signal: record the
// failure and evict.
func (b *Broadcaster) deliver(conn *registry.Connection, class string, frame json.RawMessage) {
	if err := conn.Send(frame, class); err != nil {
		b.policy.RecordDelivery(conn.ID(), class, len(frame), 0, err)
		slog.Warn("Evicting slow client",
			"session_id", conn.SessionID(), "user_id", conn.UserID(), "error", err)
		b.handleDisconnect(disconnectCmd{connID: conn.ID(), reason: reasonSlowClient})
	}
}

// flushBatches closes coalescing windows and ships their contents.
// force flushes everything regardless of window age (shutdown path).
func (b *Broadcaster) flushBatches(force bool) {
	for key, p := range b.pending {
		window, ok := b.policy.BatchWindow(key.class)
		if !ok {
			// Class lost its batch config; ship frames individually.
			window = 0
		}
		if !force && b.clock.Since(p.openedAt) < window {
			continue
		}
		delete(b.pending, key)

		frames := make([]json.RawMessage, len(p.frames))
		for i, pf := range p.frames {
			frames[i] = pf.frame
		}

		batch, overflow := b.policy.Batch(key.class, frames)
		if batch == nil {
			for _, pf := range p.frames {
				for _, conn := range b.registry.ForSession(key.sessionID) {
					b.deliver(conn, key.class, pf.frame)
				}
			}
			continue
		}

		data, err := event.Encode(batch)
		if err != nil {
			slog.Error("Failed to encode batch envelope", "class", key.class, "error", err)
			continue
		}
		for _, conn := range b.registry.ForSession(key.sessionID) {
			b.deliver(conn, key.class, data)
		}

		for i := len(frames) - len(overflow); i < len(p.frames); i++ {
			pf := p.frames[i]
			b.backlog.Enqueue(pf.origin, queue.Message{
				Class:     key.class,
				SessionID: key.sessionID,
				Reason:    queue.ReasonBatchOverflow,
				Payload:   pf.frame,
			})
		}
	}
}

// replayBacklog pushes a user's parked messages to a freshly connected
// socket, clearing on full success.
func (b *Broadcaster) replayBacklog(conn *registry.Connection) {
	msgs := b.backlog.Drain(conn.UserID())
	if len(msgs) == 0 {
		return
	}

	delivered := 0
	for _, msg := range msgs {
		if err := conn.Send(msg.Payload, msg.Class); err != nil {
			b.backlog.MarkRetried(conn.UserID(), msg.ID)
			continue
		}
		delivered++
		metrics.QueueFlushedTotal.Inc()
		b.backlog.Remove(conn.UserID(), msg.ID)
	}
	logging.WithUser(conn.UserID()).Info("Replayed queued backlog",
		"delivered", delivered, "pending", len(msgs)-delivered)
}

// flushBacklogs retries parked messages for every user with at least
// one live connection.
func (b *Broadcaster) flushBacklogs() {
	for _, userID := range b.backlog.UsersWithBacklog() {
		conns := b.registry.ForUser(userID)
		if len(conns) == 0 {
			continue
		}
		for _, msg := range b.backlog.Drain(userID) {
			sent := false
			for _, conn := range conns {
				if err := conn.Send(msg.Payload, msg.Class); err == nil {
					sent = true
				}
			}
			if sent {
				metrics.QueueFlushedTotal.Inc()
				b.backlog.Remove(userID, msg.ID)
			} else {
				b.backlog.MarkRetried(userID, msg.ID)
			}
		}
	}
}

// sweepQuality reclaims stale quality records and reacts to degraded
// connections: widen throttling for poor ones, evict critical ones.
func (b *Broadcaster) sweepQuality() {
	b.policy.CleanupStale(b.cfg.StaleAfter)

	actions := b.policy.EvaluateAll()

	// A user stays widened while any of their connections still
	// recommends reduce_frequency, no matter which order the map
	// iterates in.
	reduced := make(map[int64]bool)
	for connID, action := range actions {
		if action.Type != optimizer.ActionReduceFrequency {
			continue
		}
		if conn, ok := b.registry.Get(connID); ok {
			reduced[conn.UserID()] = true
		}
	}

	for connID, action := range actions {
		conn, ok := b.registry.Get(connID)
		if !ok {
			continue
		}
		switch action.Type {
		case optimizer.ActionDisconnect:
			logging.WithConnection(connID.String()).Warn(
				"Evicting connection with critical quality", "score", action.Score)
			b.handleDisconnect(disconnectCmd{connID: connID, reason: reasonCriticalQuality})
		case optimizer.ActionReduceFrequency:
			b.policy.WidenThrottle(conn.UserID(), action.SuggestedInterval)
			logging.WithConnection(connID.String()).Info(
				"Widening throttle for degraded connection",
				"score", action.Score, "suggested_interval", action.SuggestedInterval)
		case optimizer.ActionMonitor:
			logging.WithConnection(connID.String()).Debug(
				"Connection quality degrading", "score", action.Score)
		default:
			if !reduced[conn.UserID()] {
				b.policy.ResetThrottle(conn.UserID())
			}
		}
	}
}

func (b *Broadcaster) handleStop() {
	total := b.registry.TotalConnections()
	slog.Info("Broadcaster shutting down",
		"sessions", b.registry.ActiveSessions(), "total_clients", total)

	b.flushBatches(true)
	b.closeAllConnections("Server shutting down")

	slog.Info("Broadcaster shutdown complete", "disconnected_clients", total)
}

func (b *Broadcaster) closeAllConnections(reason string) {
	for _, conn := range b.registry.All() {
		b.registry.Unregister(conn.ID())
		b.policy.Forget(conn.ID())
		conn.StopGraceful(reason)
	}
}
