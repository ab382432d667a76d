// Package rt owns the single realtime connection: dial and join handshake,
// automatic reconnection, the periodic health check, and fan-out of inbound
// events to registered listeners.
package rt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/estay-app/chatd/internal/config"
	"github.com/estay-app/chatd/internal/rest"
	"github.com/estay-app/chatd/internal/status"
	"go.uber.org/zap"
)

// RestSender is the primary (request/response) send channel.
type RestSender interface {
	SendMessage(ctx context.Context, token, receiverID, content string) error
}

// Manager maintains exactly one logical realtime connection per process.
// Transport callbacks arrive on the read-loop goroutine and are re-posted to
// a single dispatch goroutine before any listener is touched, so listeners
// never see concurrent notifications.
type Manager struct {
	url      string
	cfg      config.RealtimeConfig
	dial     Dialer
	rest     RestSender
	registry *Registry
	machine  *status.Machine
	logger   *zap.Logger

	dispatch chan func()
	stopped  chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	identity     string
	epoch        int
	conn         Transport
	connGen      int
	dialing      bool
	healthStop   chan struct{}
	healthStarts int
}

// NewManager creates a connection manager. Call Start before Connect.
func NewManager(url string, cfg config.RealtimeConfig, dial Dialer, restSender RestSender, reg *Registry, machine *status.Machine, logger *zap.Logger) *Manager {
	return &Manager{
		url:      url,
		cfg:      cfg,
		dial:     dial,
		rest:     restSender,
		registry: reg,
		machine:  machine,
		logger:   logger,
		dispatch: make(chan func(), 256),
		stopped:  make(chan struct{}),
	}
}

// Registry returns the listener registry for this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Identity returns the identity of the last Connect call.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Start launches the dispatch goroutine.
func (m *Manager) Start() {
	go m.dispatchLoop()
}

// Stop disconnects and shuts down the dispatch goroutine.
func (m *Manager) Stop() {
	m.Disconnect()
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Connect establishes the realtime connection for the given identity and
// emits the join handshake once the transport is up. Idempotent: connecting
// again with the same identity while connected is a no-op (no second join,
// no second health-check timer). A different identity tears down the current
// connection first. An empty identity is ignored.
func (m *Manager) Connect(identity string) {
	if identity == "" {
		m.logger.Warn("connect called without identity, ignoring")
		return
	}

	m.mu.Lock()
	if m.conn != nil {
		if m.identity == identity {
			m.mu.Unlock()
			m.logger.Debug("already connected with this identity")
			return
		}
		m.logger.Info("identity changed, reconnecting",
			zap.String("old", m.identity), zap.String("new", identity))
		m.closeConnLocked()
	}
	m.identity = identity
	epoch := m.epoch
	m.mu.Unlock()

	m.setState(status.Connecting, "")
	m.startHealthCheck()
	go m.dialLoop(identity, epoch)
}

// Disconnect tears down the transport connection and stops the health check.
// No automatic reconnection happens after an explicit Disconnect: the epoch
// bump invalidates any dial still in flight.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closeConnLocked()
	m.epoch++
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
	m.mu.Unlock()

	m.setState(status.Disconnected, "")
}

// Publish sends one message via the REST channel; on a transport-level
// failure it falls back to emitting sendMessage over the realtime channel
// with the best-known local identity as sender. A server-reported rejection
// is returned as-is with no fallback.
func (m *Manager) Publish(ctx context.Context, token, targetID, content string) error {
	err := m.rest.SendMessage(ctx, token, targetID, content)
	if err == nil {
		return nil
	}

	var apiErr *rest.APIError
	if errors.As(err, &apiErr) {
		return err
	}

	m.logger.Warn("primary send failed, trying realtime fallback", zap.Error(err))
	m.mu.Lock()
	identity := m.identity
	connected := m.conn != nil
	m.mu.Unlock()
	if !connected {
		return err
	}
	if emitErr := m.emit(ctx, "sendMessage", sendPayload{
		SenderID:   identity,
		ReceiverID: targetID,
		Content:    content,
	}); emitErr != nil {
		return fmt.Errorf("realtime fallback: %w", emitErr)
	}
	return nil
}

// dialLoop attempts to establish the transport, up to MaxDialAttempts with
// a fixed delay between attempts. After the budget is exhausted the health
// check owns recovery. Only one dial loop runs at a time. A loop whose
// epoch or identity has been superseded aborts without installing anything:
// a Disconnect issued mid-dial must not resurface as a live connection.
func (m *Manager) dialLoop(identity string, epoch int) {
	m.mu.Lock()
	if m.dialing {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxDialAttempts; attempt++ {
		select {
		case <-m.stopped:
			return
		default:
		}
		if m.superseded(identity, epoch) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout.Duration)
		tr, err := m.dial(ctx, m.url)
		cancel()
		if err != nil {
			lastErr = err
			m.logger.Warn("realtime dial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(m.cfg.ReconnectDelay.Duration)
			continue
		}

		m.mu.Lock()
		if m.identity != identity || m.epoch != epoch {
			m.mu.Unlock()
			_ = tr.Close()
			return
		}
		m.closeConnLocked()
		m.conn = tr
		m.connGen++
		gen := m.connGen
		m.mu.Unlock()

		joinCtx, joinCancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout.Duration)
		err = m.emit(joinCtx, "join", identity)
		joinCancel()
		if err != nil {
			m.logger.Warn("join handshake failed", zap.Error(err))
			m.mu.Lock()
			m.closeConnLocked()
			m.mu.Unlock()
			lastErr = err
			time.Sleep(m.cfg.ReconnectDelay.Duration)
			continue
		}

		m.setState(status.Connected, "")
		m.logger.Info("realtime connected", zap.String("identity", identity))
		go m.readLoop(tr, gen)
		return
	}

	reason := "dial attempts exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	m.setState(status.Disconnected, reason)
}

// readLoop pumps frames off the transport until it drops. Malformed frames
// are logged and dropped; they never affect connection state.
func (m *Manager) readLoop(tr Transport, gen int) {
	for {
		data, err := tr.Read(context.Background())
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("malformed realtime frame", zap.Error(err))
			continue
		}
		if f.Event != "newMessage" {
			continue
		}
		evt, err := ParseMessagePayload(f.Data)
		if err != nil {
			m.logger.Warn("dropping unparseable message event", zap.Error(err))
			continue
		}
		m.post(func() { m.registry.NotifyMessage(*evt) })
	}
}

// handleDrop reacts to a transport failure: mark disconnected and redial
// immediately. The health check remains as the backstop. Drops reported by
// a superseded connection generation are ignored.
func (m *Manager) handleDrop(gen int, err error) {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		return
	}
	m.closeConnLocked()
	identity := m.identity
	epoch := m.epoch
	m.mu.Unlock()

	m.logger.Warn("realtime connection dropped", zap.Error(err))
	m.setState(status.Disconnected, err.Error())

	select {
	case <-m.stopped:
		return
	default:
	}
	if identity != "" {
		m.setState(status.Connecting, "")
		go m.dialLoop(identity, epoch)
	}
}

// startHealthCheck (re)schedules the periodic reconnect timer. The previous
// timer is always cancelled first so repeated Connect calls cannot stack
// tickers.
func (m *Manager) startHealthCheck() {
	m.mu.Lock()
	if m.healthStop != nil {
		close(m.healthStop)
	}
	stop := make(chan struct{})
	m.healthStop = stop
	m.healthStarts++
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				down := m.conn == nil && !m.dialing
				identity := m.identity
				epoch := m.epoch
				m.mu.Unlock()
				if down && identity != "" {
					m.logger.Info("health check: connection down, redialing")
					m.setState(status.Connecting, "")
					go m.dialLoop(identity, epoch)
				}
			case <-stop:
				return
			case <-m.stopped:
				return
			}
		}
	}()
}

func (m *Manager) emit(ctx context.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	raw, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("emit %s: not connected", event)
	}
	return conn.Write(ctx, raw)
}

// setState drives the status machine and notifies listeners on the dispatch
// goroutine. No-op transitions produce no notification.
func (m *Manager) setState(to status.State, reason string) {
	from := m.machine.Current()
	if from == to {
		return
	}
	if err := m.machine.Transition(to, reason); err != nil {
		m.logger.Warn("status transition rejected", zap.Error(err))
		return
	}
	change := status.Change{From: from, To: to, Reason: reason}
	m.post(func() { m.registry.NotifyStatus(change) })
}

func (m *Manager) post(fn func()) {
	select {
	case m.dispatch <- fn:
	case <-m.stopped:
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case fn := <-m.dispatch:
			fn()
		case <-m.stopped:
			return
		}
	}
}

// superseded reports whether a dial loop started for the given identity and
// epoch has been overtaken by a later Connect or Disconnect.
func (m *Manager) superseded(identity string, epoch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity != identity || m.epoch != epoch
}

// closeConnLocked closes the current transport and bumps the connection
// generation so a stale read loop cannot clobber a newer connection.
// Caller must hold m.mu.
func (m *Manager) closeConnLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connGen++
}
