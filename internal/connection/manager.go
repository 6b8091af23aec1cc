package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/eleven-am/voice-recorder/internal/metrics"
	"github.com/eleven-am/voice-recorder/internal/schedule"
	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/eleven-am/voice-recorder/internal/transport"
	"github.com/gorilla/websocket"
)

type Identity interface {
	ClientID() string
}

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

type Status struct {
	Connected              bool       `json:"connected"`
	State                  State      `json:"state"`
	ReconnectAttempts      int        `json:"reconnectAttempts"`
	ConsecutiveFailures    int        `json:"consecutiveFailureCount"`
	LastHeartbeatAt        *time.Time `json:"lastHeartbeatAt,omitempty"`
	ServerUnavailableSince *time.Time `json:"serverUnavailableSince,omitempty"`
	QueuedMessages         int        `json:"queuedMessages"`
	ActiveSessions         []string   `json:"activeSessions"`
}

// link is one physical socket. A reconnect always replaces the link, and
// callbacks holding a stale link are ignored.
type link struct {
	ws      *websocket.Conn
	gen     uint64
	done    chan struct{}
	writeMu sync.Mutex

	// guarded by Manager.mu
	tasks  []*schedule.Task
	forced bool
}

// Manager owns the single transport connection to the transcription
// server.
type Manager struct {
	cfg       Config
	identity  Identity
	logger    *slog.Logger
	metrics   *metrics.Metrics
	observers *observers
	rnd       func() float64

	mu                sync.Mutex
	link              *link
	gen               uint64
	state             State
	deliberate        bool
	dropped           bool
	reconnectAttempts int
	failures          int
	lastSuccessAt     time.Time
	lastDecayAt       time.Time
	unavailableSince  time.Time
	lastInbound       time.Time
	queue             [][]byte
	active            map[string]struct{}
	reconnectTask     *schedule.Task
}

func New(cfg Config, identity Identity, m *metrics.Metrics) *Manager {
	cfg = cfg.withDefaults()
	logger := cfg.Log.With("component", "connection")
	return &Manager{
		cfg:       cfg,
		identity:  identity,
		logger:    logger,
		metrics:   m,
		observers: newObservers(logger),
		rnd:       rand.Float64,
		state:     StateIdle,
		active:    make(map[string]struct{}),
	}
}

// Subscribe registers fn for every event. The returned function removes it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.observers.add(fn)
}

// Connect opens the connection on behalf of the user. It is a no-op when
// already open. It clears the failure ceiling and any earlier Disconnect, so
// only user-initiated callers (startup, a manual reconnect request) should
// use it; background callers use Reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.deliberate = false
	if m.state == StateFailed {
		m.failures = 0
		m.state = StateClosed
	}
	m.mu.Unlock()
	return m.connect(ctx, false)
}

// Reconnect is the automatic counterpart of Connect. It never resets the
// failure ceiling or overrides a deliberate Disconnect: once reconnection has
// been abandoned it returns ErrReconnectionFailed until Connect is called.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	state, deliberate := m.state, m.deliberate
	m.mu.Unlock()

	switch {
	case deliberate:
		return fmt.Errorf("%w: disconnected deliberately", shared.ErrNotConnected)
	case state == StateFailed:
		return shared.ErrReconnectionFailed
	case state == StateReconnecting:
		return nil
	}
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, retry bool) error {
	m.mu.Lock()
	if retry && m.deliberate {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.failures >= m.cfg.Backoff.MaxAttempts {
		events := m.giveUpLocked()
		m.mu.Unlock()
		m.emit(events...)
		return shared.ErrReconnectionFailed
	}
	if m.inCooldownLocked() {
		m.mu.Unlock()
		err := fmt.Errorf("%w: cooling down after failed probe", shared.ErrServerUnavailable)
		m.fail(err, retry)
		return err
	}
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.probe(ctx); err != nil {
		m.markUnavailable()
		err = fmt.Errorf("%w: %v", shared.ErrServerUnavailable, err)
		m.fail(err, retry)
		return err
	}

	ws, err := m.dial(ctx)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", m.cfg.URL, err)
		m.fail(err, true)
		return err
	}

	m.opened(ws)
	return nil
}

func (m *Manager) inCooldownLocked() bool {
	if m.unavailableSince.IsZero() {
		return false
	}
	if time.Since(m.unavailableSince) >= m.cfg.UnavailableCooldown {
		m.unavailableSince = time.Time{}
		return false
	}
	if m.rnd() < m.cfg.EarlyRetryProbability {
		m.logger.Debug("in unavailable cooldown, retrying early")
		return false
	}
	return true
}

func (m *Manager) markUnavailable() {
	m.mu.Lock()
	m.unavailableSince = time.Now()
	m.mu.Unlock()
	m.metrics.ProbeFailure()
	m.logger.Warn("server marked unavailable", "cooldown", m.cfg.UnavailableCooldown)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_id", m.identity.ClientID())
	u.RawQuery = q.Encode()

	ws, resp, err := m.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (m *Manager) fail(err error, retry bool) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	if m.state == StateConnecting {
		m.state = StateClosed
	}
	events := []Event{{Kind: EventError, Err: err}}
	if retry && !m.deliberate {
		m.dropped = true
		events = append(events, m.scheduleReconnectLocked(0)...)
	}
	m.mu.Unlock()

	m.metrics.SetFailures(failures)
	m.logger.Warn("connection attempt failed", "error", err, "consecutive_failures", failures)
	m.emit(events...)
}

// scheduleReconnectLocked arms the next reconnect attempt. A positive
// delay overrides the computed backoff.
func (m *Manager) scheduleReconnectLocked(delay time.Duration) []Event {
	if m.deliberate {
		return nil
	}
	m.reconnectAttempts++
	m.decayFailuresLocked()

	if m.failures >= m.cfg.Backoff.MaxAttempts {
		return m.giveUpLocked()
	}

	if delay <= 0 {
		delay = ReconnectDelay(m.reconnectAttempts, m.cfg.Backoff, m.rnd)
	}
	attempt := m.reconnectAttempts
	m.state = StateReconnecting
	m.reconnectTask.Stop()
	m.reconnectTask = schedule.After(context.Background(), delay, func(ctx context.Context) {
		m.logger.Info("reconnecting", "attempt", attempt)
		_ = m.connect(ctx, true)
	})
	m.metrics.ReconnectAttempt()
	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

	return []Event{{
		Kind:           EventReconnecting,
		Attempt:        attempt,
		NextDelay:      delay,
		ActiveSessions: m.activeLocked(),
	}}
}

// decayFailuresLocked forgives one failure per FailureDecayAfter window
// since the last successful open.
func (m *Manager) decayFailuresLocked() {
	if m.failures == 0 || m.lastSuccessAt.IsZero() {
		return
	}
	ref := m.lastSuccessAt
	if m.lastDecayAt.After(ref) {
		ref = m.lastDecayAt
	}
	if time.Since(ref) > m.cfg.FailureDecayAfter {
		m.failures--
		m.lastDecayAt = time.Now()
	}
}

func (m *Manager) giveUpLocked() []Event {
	m.state = StateFailed
	m.reconnectTask.Stop()
	m.reconnectTask = nil
	m.metrics.ReconnectionFailure()
	m.logger.Error("reconnection abandoned", "consecutive_failures", m.failures)
	return []Event{{
		Kind:           EventReconnectionFailed,
		Attempt:        m.failures,
		Reason:         "too many consecutive failures",
		ActiveSessions: m.activeLocked(),
	}}
}

func (m *Manager) opened(ws *websocket.Conn) {
	m.mu.Lock()
	if m.deliberate {
		m.state = StateClosed
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	if old := m.link; old != nil {
		stopTasks(old)
		_ = old.ws.Close()
	}

	m.gen++
	l := &link{ws: ws, gen: m.gen, done: make(chan struct{})}
	m.link = l

	reconnected := m.dropped
	now := time.Now()
	m.dropped = false
	m.state = StateOpen
	m.reconnectAttempts = 0
	m.failures = 0
	m.unavailableSince = time.Time{}
	m.lastSuccessAt = now
	m.lastInbound = now
	queued := m.queue
	m.queue = nil
	active := m.activeLocked()
	m.reconnectTask.Stop()
	m.reconnectTask = nil
	m.startHeartbeatsLocked(l)
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.metrics.SetFailures(0)
	m.metrics.SetQueued(0)
	m.logger.Info("connected", "url", m.cfg.URL, "reconnected", reconnected, "queued", len(queued))

	go m.readLoop(l)

	for i, frame := range queued {
		if err := m.write(l, websocket.TextMessage, frame); err != nil {
			m.logger.Warn("failed to flush queued messages", "error", err, "remaining", len(queued)-i)
			m.mu.Lock()
			m.queue = append(slices.Clone(queued[i:]), m.queue...)
			m.mu.Unlock()
			break
		}
	}

	m.emit(Event{Kind: EventOpen})
	if reconnected {
		m.emit(Event{Kind: EventReconnected, ActiveSessions: active})
	}
}

func (m *Manager) readLoop(l *link) {
	defer close(l.done)

	l.ws.SetReadLimit(m.cfg.MaxMessageSize)
	l.ws.SetPongHandler(func(string) error {
		m.touch(l)
		return nil
	})

	for {
		msgType, data, err := l.ws.ReadMessage()
		if err != nil {
			m.handleClose(l, err)
			return
		}
		m.touch(l)

		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := transport.Decode(data)
		if err != nil {
			m.logger.Warn("ignoring unparseable message", "error", err)
			continue
		}
		m.emit(Event{Kind: EventMessage, Message: msg})
	}
}

func (m *Manager) touch(l *link) {
	m.mu.Lock()
	if m.link == l {
		m.lastInbound = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) handleClose(l *link, err error) {
	code := closeCode(err)

	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	stopTasks(l)
	_ = l.ws.Close()

	events := []Event{{Kind: EventClose, CloseCode: code, Err: err}}
	switch {
	case m.deliberate:
		m.state = StateClosed
	case code == websocket.CloseNormalClosure && !l.forced:
		m.state = StateClosed
	default:
		m.dropped = true
		var delay time.Duration
		if l.forced {
			delay = m.cfg.ForceReconnectDelay
		}
		events = append(events, m.scheduleReconnectLocked(delay)...)
	}
	m.mu.Unlock()

	m.logger.Info("connection closed", "code", code, "error", err)
	m.emit(events...)
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (m *Manager) startHeartbeatsLocked(l *link) {
	ctx := context.Background()
	l.tasks = []*schedule.Task{
		schedule.Every(ctx, m.cfg.PingInterval, func(context.Context) {
			m.sendPing(l)
		}),
		schedule.Every(ctx, m.cfg.KeepAliveInterval, func(ctx context.Context) {
			m.Send(ctx, transport.MessageTypeKeepAlive, transport.KeepAlivePayload{Timestamp: time.Now().UnixMilli()})
		}),
		schedule.Every(ctx, m.cfg.HeartbeatCheckInterval, func(context.Context) {
			m.checkHeartbeat(l)
		}),
	}
}

func stopTasks(l *link) {
	for _, t := range l.tasks {
		t.Stop()
	}
	l.tasks = nil
}

func (m *Manager) sendPing(l *link) {
	if err := m.write(l, websocket.BinaryMessage, transport.PingFrame); err != nil {
		m.logger.Debug("binary keep-alive failed", "error", err)
		return
	}
	_ = l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
}

// checkHeartbeat force-closes a link that has been silent for longer than
// HeartbeatTimeout. The read loop then schedules a quick reconnect.
func (m *Manager) checkHeartbeat(l *link) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	silent := time.Since(m.lastInbound)
	if silent <= m.cfg.HeartbeatTimeout {
		m.mu.Unlock()
		return
	}
	l.forced = true
	m.mu.Unlock()

	m.logger.Warn("no heartbeat, forcing reconnect", "silent_for", silent.Round(time.Millisecond))
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "No heartbeat response")
	_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = l.ws.Close()
}

// write serialises frames on a link. A failed write closes the socket so the
// read loop can take the reconnect path.
func (m *Manager) write(l *link, msgType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := l.ws.WriteMessage(msgType, data); err != nil {
		_ = l.ws.Close()
		return err
	}
	return nil
}

// Send writes a message immediately when open. While a reconnect is in
// progress the message is queued and replayed in order after the next
// open; otherwise it is dropped and Send reports false.
func (m *Manager) Send(ctx context.Context, t transport.MessageType, payload any) bool {
	if ctx.Err() != nil {
		return false
	}

	frame, err := transport.Encode(t, payload, m.identity.ClientID())
	if err != nil {
		m.logger.Error("failed to encode message", "type", t, "error", err)
		return false
	}

	m.mu.Lock()
	l := m.link
	if l == nil || m.state != StateOpen {
		if !m.deliberate && m.state != StateFailed && m.reconnectAttempts > 0 {
			m.queue = append(m.queue, frame)
			n := len(m.queue)
			m.mu.Unlock()
			m.metrics.SetQueued(n)
			m.logger.Debug("queued message until reconnect", "type", t, "queued", n)
			return true
		}
		m.mu.Unlock()
		m.logger.Debug("dropping message, not connected", "type", t)
		return false
	}
	m.mu.Unlock()

	if err := m.write(l, websocket.TextMessage, frame); err != nil {
		m.logger.Warn("send failed", "type", t, "error", err)
		return false
	}
	return true
}

// Disconnect closes the connection deliberately. No reconnect follows.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.deliberate = true
	m.reconnectTask.Stop()
	m.reconnectTask = nil
	m.reconnectAttempts = 0
	m.queue = nil
	l := m.link
	if l == nil {
		m.state = StateClosed
		m.mu.Unlock()
		return nil
	}
	stopTasks(l)
	m.state = StateClosing
	m.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Deliberate close by client")
	if err := l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		m.logger.Debug("close frame not sent", "error", err)
	}

	timer := time.NewTimer(m.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
		m.logger.Warn("close handshake timed out")
	case <-ctx.Done():
	}

	_ = l.ws.Close()
	<-l.done
	return nil
}

func (m *Manager) RegisterActiveSession(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.active[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) UnregisterActiveSession(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() []string {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen && m.link != nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Connected:           m.state == StateOpen && m.link != nil,
		State:               m.state,
		ReconnectAttempts:   m.reconnectAttempts,
		ConsecutiveFailures: m.failures,
		QueuedMessages:      len(m.queue),
		ActiveSessions:      m.activeLocked(),
	}
	if !m.lastInbound.IsZero() {
		t := m.lastInbound
		s.LastHeartbeatAt = &t
	}
	if !m.unavailableSince.IsZero() {
		t := m.unavailableSince
		s.ServerUnavailableSince = &t
	}
	return s
}

// ResetFailures clears the failure counter and the unavailable marker.
func (m *Manager) ResetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.unavailableSince = time.Time{}
	if m.state == StateFailed {
		m.state = StateClosed
	}
	m.mu.Unlock()
	m.metrics.SetFailures(0)
}

func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		m.observers.emit(ev)
	}
}
