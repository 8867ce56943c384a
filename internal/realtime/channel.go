package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emailchain/emailchain/internal/events"
	"github.com/emailchain/emailchain/internal/metrics"
)

// State is the channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 30 * time.Second
)

// Conn is one established wire connection.
type Conn interface {
	ReadMessage() (string, error)
	WriteMessage(data string) error
	Close() error
}

// Transport dials wire connections. The production transport is gorilla
// websocket; tests substitute an in-memory pipe.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ChannelConfig configures a secure channel client.
type ChannelConfig struct {
	URL                  string
	AuthToken            string
	Transport            Transport
	Codec                *Codec
	Bus                  *events.Bus
	Logger               *slog.Logger
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
}

// Channel is the client side of the realtime link. It queues outbound
// envelopes while disconnected, flushes them in order on reconnect,
// de-duplicates inbound messages, and republishes verified payloads on
// the event bus.
type Channel struct {
	cfg    ChannelConfig
	codec  *Codec
	bus    *events.Bus
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	conn           Conn
	queue          []*Envelope
	flushing       bool
	seen           map[string]int64
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	closed         bool

	lastPing atomic.Int64
	latency  atomic.Int64

	now func() time.Time
}

// NewChannel creates a channel client. It does not connect.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		codec:  cfg.Codec,
		bus:    cfg.Bus,
		logger: cfg.Logger.With("component", "realtime"),
		state:  StateDisconnected,
		seen:   make(map[string]int64),
		now:    time.Now,
	}
}

// Connect dials the server and starts the read and heartbeat loops.
// Already-connected channels return immediately.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel closed")
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.publishState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.cfg.Transport.Dial(dialCtx, c.dialURL())
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		c.publishState(StateError)
		c.scheduleReconnect()
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.flushing = len(c.queue) > 0
	c.mu.Unlock()
	c.publishState(StateConnected)

	c.flushQueue(conn)

	go c.readLoop(conn)
	go c.heartbeat(conn, stop)
	return nil
}

// flushQueue drains queued envelopes in FIFO order. Sends arriving
// mid-flush see the flushing flag and append to the queue, so nothing
// new reaches the wire ahead of what was queued first. A write failure
// leaves the unsent tail queued for the next reconnect.
func (c *Channel) flushQueue(conn Conn) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		env := c.queue[0]
		c.mu.Unlock()

		if err := c.writeEnvelope(conn, env); err != nil {
			c.mu.Lock()
			c.flushing = false
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		// Disconnect may have dropped the queue while the write was in
		// flight; only pop the envelope that was just written.
		if len(c.queue) > 0 && c.queue[0] == env {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
	}
}

func (c *Channel) dialURL() string {
	return fmt.Sprintf("%s?token=%s&timestamp=%d",
		c.cfg.URL, url.QueryEscape(c.cfg.AuthToken), c.now().UnixMilli())
}

// Send seals and transmits a payload, or queues it when disconnected.
// Queued envelopes keep their original timestamp and signature.
func (c *Channel) Send(envelopeType string, payload any) error {
	env, err := c.codec.NewEnvelope(envelopeType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil && !c.flushing
	if !connected {
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.writeEnvelope(conn, env)
}

func (c *Channel) writeEnvelope(conn Conn, env *Envelope) error {
	sealed, err := c.codec.SealEnvelope(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(sealed)
}

func (c *Channel) readLoop(conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Channel) handleMessage(raw string) {
	env, err := c.codec.Open(raw)
	if err != nil {
		reason := rejectReason(err)
		metrics.EnvelopesRejectedTotal.WithLabelValues(reason).Inc()
		c.logger.Warn("dropped inbound envelope", "reason", reason)
		return
	}

	if c.isDuplicate(env.MessageID) {
		metrics.EnvelopesRejectedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	switch env.Type {
	case TypePong:
		if last := c.lastPing.Load(); last > 0 {
			c.latency.Store(c.now().UnixMilli() - last)
		}
	case TypeReputationUpdate:
		publishDetail[events.ReputationUpdateDetail](c, events.TopicReputationUpdate, env)
	case TypeTransactionConfirmed:
		publishDetail[events.TransactionConfirmedDetail](c, events.TopicTransactionDone, env)
	case TypeValidationComplete:
		publishDetail[events.ValidationCompleteDetail](c, events.TopicValidationDone, env)
	case TypeFraudAlert:
		publishDetail[events.FraudAlertDetail](c, events.TopicFraudAlert, env)
	default:
		c.logger.Warn("no handler for envelope type", "type", env.Type)
	}
}

// isDuplicate remembers message ids for the freshness window; anything
// older would be rejected as stale before reaching here.
func (c *Channel) isDuplicate(messageID string) bool {
	now := c.now().UnixMilli()
	horizon := now - c.codec.MaxAge().Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ts := range c.seen {
		if ts < horizon {
			delete(c.seen, id)
		}
	}
	if _, ok := c.seen[messageID]; ok {
		return true
	}
	c.seen[messageID] = now
	return false
}

func publishDetail[T any](c *Channel, topic events.Topic, env *Envelope) {
	var detail T
	if err := json.Unmarshal(env.Payload, &detail); err != nil {
		metrics.EnvelopesRejectedTotal.WithLabelValues("structure").Inc()
		c.logger.Warn("malformed payload", "type", env.Type)
		return
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Topic: topic, Detail: detail, Timestamp: events.Now()})
	}
}

func (c *Channel) heartbeat(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := c.now().UnixMilli()
			c.lastPing.Store(now)
			env, err := c.codec.NewEnvelope(TypePing, PingPayload{Timestamp: now})
			if err != nil {
				continue
			}
			if err := c.writeEnvelope(conn, env); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) handleDisconnect(conn Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()

	c.publishState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.state = StateError
		c.mu.Unlock()
		c.logger.Error("max reconnection attempts reached")
		c.publishState(StateError)
		return
	}
	delay := min(time.Second<<c.attempts, maxReconnectDelay)
	c.attempts++
	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
		}
	})
	c.mu.Unlock()

	c.logger.Info("scheduled reconnection", "attempt", attempt, "delay", delay)
}

// Disconnect closes the channel for good: heartbeat and reconnect timers
// stop, the connection closes with a normal status, and the outbound
// queue is dropped.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.publishState(StateDisconnected)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the last measured round-trip time in milliseconds.
func (c *Channel) Latency() int64 { return c.latency.Load() }

// QueuedCount returns the number of envelopes waiting for reconnect.
func (c *Channel) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) publishState(state State) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Topic:     events.TopicConnectionState,
		Detail:    events.ConnectionStateDetail{State: string(state)},
		Timestamp: events.Now(),
	})
}
