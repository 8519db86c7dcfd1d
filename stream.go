package pollchat

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// The stream is an optional change feed. It only nudges the engine into an
// early refresh; polling stays the source of truth, so a dead stream costs
// latency and nothing else.

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures the change feed client. Zero durations and a zero
// MaxReconnectAttempts select the defaults (1s, 30s, 25s heartbeat, 10
// attempts).
type StreamConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               zerolog.Logger
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// StreamState represents the connection state.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// StreamEventHandler is the generic event callback type.
type StreamEventHandler func(eventType string, payload json.RawMessage)

type streamDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]StreamEventHandler
	onMessageNew   []func(MessageNewPayload)
	onPresence     []func(PresenceChangedPayload)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(int, time.Duration)
}

func newStreamDispatcher() *streamDispatcher {
	return &streamDispatcher{
		generic: make(map[string][]StreamEventHandler),
	}
}

func (d *streamDispatcher) dispatch(env StreamEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "message.new":
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageNew {
				go h(p)
			}
		}
	case "presence.changed":
		var p PresenceChangedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPresence {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		go h(env.Type, env.Payload)
	}
}

func (d *streamDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *streamDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *streamDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential backoff with up to 50% jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// StreamClient
// ============================================================================

// StreamClient is a WebSocket change feed client with auto-reconnect and
// heartbeat.
type StreamClient struct {
	baseURL          string
	tokens           TokenStore
	config           StreamConfig
	mu               sync.Mutex
	conn             *websocket.Conn
	state            StreamState
	intentionalClose bool
	dispatcher       *streamDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewStream creates a change feed client for the client's service. The
// access token is read from the client's token store on every connect.
func (c *Client) NewStream(config StreamConfig) *StreamClient {
	config.defaults()
	return &StreamClient{
		baseURL:    c.baseURL,
		tokens:     c.tokens,
		config:     config,
		state:      StateDisconnected,
		dispatcher: newStreamDispatcher(),
		recon:      newReconnector(&config),
	}
}

// OnMessageNew registers a handler for new messages.
func (s *StreamClient) OnMessageNew(h func(MessageNewPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onMessageNew = append(s.dispatcher.onMessageNew, h)
	s.dispatcher.mu.Unlock()
}

// OnPresenceChanged registers a handler for presence changes.
func (s *StreamClient) OnPresenceChanged(h func(PresenceChangedPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onPresence = append(s.dispatcher.onPresence, h)
	s.dispatcher.mu.Unlock()
}

func (s *StreamClient) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

func (s *StreamClient) OnDisconnected(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

func (s *StreamClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (s *StreamClient) On(eventType string, h StreamEventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamClient) streamURL() string {
	u := strings.Replace(s.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(s.tokens.AccessToken())
}

// Connect dials the feed and waits for the server's "authenticated" event.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, s.streamURL(), nil)
	if err != nil {
		return fail(errors.Wrap(err, "websocket dial"))
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(errors.Wrap(err, "read auth message"))
	}

	var env StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(errors.Errorf("expected 'authenticated', got '%s'", env.Type))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()

	s.config.Logger.Debug().Msg("stream connected")
	s.dispatcher.emitConnected()

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (s *StreamClient) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.recon.reset()
	s.dispatcher.emitDisconnected("client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (s *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if !intentional {
				s.state = StateDisconnected
				s.conn = nil
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.config.Logger.Warn().Err(err).Msg("stream lost")
			s.dispatcher.emitDisconnected(err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect()
			}
			return
		}

		var env StreamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.dispatcher.dispatch(env)
	}
}

func (s *StreamClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *StreamClient) scheduleReconnect() {
	delay := s.recon.nextDelay()
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()

	s.dispatcher.emitReconnecting(s.recon.attempt, delay)

	time.Sleep(delay)

	s.mu.Lock()
	stopped := s.intentionalClose
	if !stopped {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	if stopped {
		return
	}

	if err := s.Connect(context.Background()); err != nil {
		s.config.Logger.Warn().Err(err).Int("attempt", s.recon.attempt).Msg("stream reconnect failed")
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect()
		}
	}
}
