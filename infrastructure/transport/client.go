// Package transport owns the single realtime connection to the flow status
// feed. It reconnects with bounded backoff, keeps an application-level
// heartbeat, and replays durable per-flow subscriptions after every
// reconnect. Steady-state transport failures never reach callers; the
// orchestrator's poller covers the gap while the connection is down.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

// Options tunes the connection lifecycle. The zero value is completed by
// DefaultOptions; tests shrink the intervals.
type Options struct {
	Endpoint string

	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxHeartbeatMiss  int

	// ProbeTimeout bounds the liveness check EnsureConnection runs on an
	// established connection
	ProbeTimeout time.Duration

	JoinTimeout  time.Duration
	JoinAttempts int

	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectAttempts int

	// ConnectsPerWindow/ConnectWindow bound how fast the client may open
	// connections, shared across reconnect storms
	ConnectsPerWindow int
	ConnectWindow     time.Duration
}

// DefaultOptions fills unset fields with production values
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:          endpoint,
		DialTimeout:       2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  20 * time.Second,
		MaxHeartbeatMiss:  3,
		ProbeTimeout:      2 * time.Second,
		JoinTimeout:       5 * time.Second,
		JoinAttempts:      3,
		ReconnectBase:     time.Second,
		ReconnectCap:      5 * time.Second,
		ReconnectAttempts: 5,
		ConnectsPerWindow: 10,
		ConnectWindow:     60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Endpoint)
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.MaxHeartbeatMiss <= 0 {
		o.MaxHeartbeatMiss = d.MaxHeartbeatMiss
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.JoinAttempts <= 0 {
		o.JoinAttempts = d.JoinAttempts
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = d.ReconnectBase
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = d.ReconnectCap
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.ConnectsPerWindow <= 0 {
		o.ConnectsPerWindow = d.ConnectsPerWindow
	}
	if o.ConnectWindow <= 0 {
		o.ConnectWindow = d.ConnectWindow
	}
	return o
}

// frame is the wire message in both directions
type frame struct {
	Type   string                 `json:"type"`
	Ref    string                 `json:"ref,omitempty"`
	FlowID string                 `json:"flowId,omitempty"`
	Token  string                 `json:"token,omitempty"`
	Event  *ports.FlowStatusEvent `json:"event,omitempty"`
}

const (
	frameSubscribe    = "subscribe"
	frameSubscribed   = "subscribed"
	frameUnsubscribe  = "unsubscribe"
	frameHeartbeat    = "heartbeat"
	frameHeartbeatAck = "heartbeat_ack"
	frameFlowStatus   = "flow_status"
)

// subscription is one durable registration; it outlives the connection
type subscription struct {
	id        string
	flowID    string
	callbacks ports.FlowStatusCallbacks
}

// Client implements ports.RealtimeTransport over a websocket
type Client struct {
	opts    Options
	creds   ports.CredentialStore
	logger  *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	connEpoch int
	closed    bool

	// subscriptions are durable: keyed by flow id, replayed after reconnect
	subs map[string]map[string]*subscription

	// pendingJoins holds the ack channel per subscribe ref
	pendingJoins map[string]chan struct{}

	lastAck time.Time
	misses  int

	// probeCh is non-nil while a liveness probe awaits a heartbeat ack
	probeCh chan struct{}

	writeMu sync.Mutex

	// OnReconnect is invoked after a successful reconnect, once
	// subscriptions are replayed. OnHeartbeatMiss fires per missed
	// heartbeat. Both are used for metrics.
	OnReconnect     func()
	OnHeartbeatMiss func()
}

var _ ports.RealtimeTransport = (*Client)(nil)

// NewClient builds a transport client. No connection is opened until
// EnsureConnection.
func NewClient(opts Options, creds ports.CredentialStore, logger *zap.Logger) *Client {
	opts = opts.withDefaults()
	interval := opts.ConnectWindow / time.Duration(opts.ConnectsPerWindow)

	return &Client{
		opts:         opts,
		creds:        creds,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Every(interval), opts.ConnectsPerWindow),
		subs:         make(map[string]map[string]*subscription),
		pendingJoins: make(map[string]chan struct{}),
	}
}

// Connected reports whether the realtime connection is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// EnsureConnection opens the connection if it is not already up. On an
// established connection it probes liveness with a heartbeat and tears the
// connection down when no ack arrives within ProbeTimeout, so a half-dead
// socket cannot report healthy between heartbeat cycles. Callers may invoke
// this concurrently; only one dial happens.
func (c *Client) EnsureConnection(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pkgerrors.NewConnectionError("transport closed", nil)
	}
	if c.connected {
		conn := c.conn
		epoch := c.connEpoch
		ack := c.probeCh
		if ack == nil {
			ack = make(chan struct{})
			c.probeCh = ack
		}
		c.mu.Unlock()

		if err := c.writeFrame(frame{Type: frameHeartbeat}); err == nil {
			select {
			case <-ack:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.ProbeTimeout):
			}
		}

		c.handleDisconnect(conn, epoch, pkgerrors.NewTimeoutError("liveness probe"))
	} else {
		c.mu.Unlock()
	}

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if !c.limiter.Allow() {
		return pkgerrors.NewConnectionError("connection attempts rate limited", nil)
	}

	session, err := c.creds.Session(ctx)
	if err != nil {
		return pkgerrors.NewConnectionError("no transport session", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	header := map[string][]string{"Authorization": {"Bearer " + session.Token}}

	conn, _, err := dialer.DialContext(ctx, c.opts.Endpoint, header)
	if err != nil {
		return pkgerrors.NewConnectionError("dial realtime endpoint", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return pkgerrors.NewConnectionError("transport closed", nil)
	}
	if c.connected {
		// Lost a dial race; keep the existing connection
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.connEpoch++
	epoch := c.connEpoch
	c.lastAck = time.Now()
	c.misses = 0
	flowIDs := c.subscribedFlowsLocked()
	c.mu.Unlock()

	go c.readLoop(conn, epoch)
	go c.heartbeatLoop(conn, epoch)

	// Replay durable subscriptions on the fresh connection
	for _, flowID := range flowIDs {
		if err := c.joinChannel(ctx, flowID); err != nil {
			c.logger.Warn("channel join failed after connect",
				zap.String("flowID", flowID),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("realtime connection established",
		zap.String("endpoint", c.opts.Endpoint),
		zap.Int("replayedSubscriptions", len(flowIDs)),
	)

	return nil
}

func (c *Client) subscribedFlowsLocked() []string {
	flowIDs := make([]string, 0, len(c.subs))
	for flowID, set := range c.subs {
		if len(set) > 0 {
			flowIDs = append(flowIDs, flowID)
		}
	}
	return flowIDs
}

// SubscribeToFlowStatus registers callbacks for one flow. The registration
// is durable: it survives reconnects and is replayed on each new connection.
// If the connection is down the registration still succeeds; events resume
// once the transport recovers.
func (c *Client) SubscribeToFlowStatus(flowID string, cb ports.FlowStatusCallbacks) (func(), error) {
	if flowID == "" {
		return nil, pkgerrors.NewValidationError("flow id is required")
	}

	sub := &subscription{
		id:        uuid.New().String(),
		flowID:    flowID,
		callbacks: cb,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, pkgerrors.NewConnectionError("transport closed", nil)
	}
	set, ok := c.subs[flowID]
	if !ok {
		set = make(map[string]*subscription)
		c.subs[flowID] = set
	}
	firstForFlow := len(set) == 0
	set[sub.id] = sub
	connected := c.connected
	c.mu.Unlock()

	if connected && firstForFlow {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(c.opts.JoinAttempts)*(c.opts.JoinTimeout+c.opts.JoinTimeout))
		go func() {
			defer cancel()
			if err := c.joinChannel(ctx, flowID); err != nil {
				c.logger.Warn("channel join failed, polling covers the gap",
					zap.String("flowID", flowID),
					zap.Error(err),
				)
			}
		}()
	}

	return func() { c.unsubscribe(flowID, sub.id) }, nil
}

func (c *Client) unsubscribe(flowID, subID string) {
	c.mu.Lock()
	set, ok := c.subs[flowID]
	if ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(c.subs, flowID)
		}
	}
	lastForFlow := ok && len(set) == 0
	connected := c.connected
	c.mu.Unlock()

	if lastForFlow && connected {
		_ = c.writeFrame(frame{Type: frameUnsubscribe, FlowID: flowID})
	}
}

// joinRetryDelay returns the wait before the given retry attempt, doubling
// from one second: 1s before attempt 2, 2s before attempt 3, 4s before
// attempt 4.
func joinRetryDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-2)) * time.Second
}

// joinChannel performs the ack-based join handshake with bounded retries.
func (c *Client) joinChannel(ctx context.Context, flowID string) error {
	var lastErr error

	for attempt := 1; attempt <= c.opts.JoinAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(joinRetryDelay(attempt)):
			case <-ctx.Done():
				return pkgerrors.NewTimeoutError("channel join")
			}
		}

		err := c.joinOnce(ctx, flowID)
		if err == nil {
			return nil
		}
		lastErr = err

		c.logger.Debug("channel join attempt failed",
			zap.String("flowID", flowID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return lastErr
}

func (c *Client) joinOnce(ctx context.Context, flowID string) error {
	ref := uuid.New().String()
	ack := make(chan struct{}, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return pkgerrors.NewConnectionError("not connected", nil)
	}
	c.pendingJoins[ref] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingJoins, ref)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(frame{Type: frameSubscribe, FlowID: flowID, Ref: ref}); err != nil {
		return err
	}

	select {
	case <-ack:
		return nil
	case <-time.After(c.opts.JoinTimeout):
		return pkgerrors.NewTimeoutError("channel join ack")
	case <-ctx.Done():
		return pkgerrors.NewTimeoutError("channel join")
	}
}

func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return pkgerrors.NewConnectionError("not connected", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return pkgerrors.NewConnectionError("write frame", err)
	}
	return nil
}

// readLoop drains one connection's inbound frames until it dies
func (c *Client) readLoop(conn *websocket.Conn, epoch int) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleDisconnect(conn, epoch, err)
			return
		}

		switch f.Type {
		case frameSubscribed:
			c.mu.Lock()
			if ack, ok := c.pendingJoins[f.Ref]; ok {
				select {
				case ack <- struct{}{}:
				default:
				}
			}
			c.mu.Unlock()

		case frameHeartbeatAck:
			c.mu.Lock()
			c.lastAck = time.Now()
			c.misses = 0
			if c.probeCh != nil {
				close(c.probeCh)
				c.probeCh = nil
			}
			c.mu.Unlock()

		case frameFlowStatus:
			if f.Event != nil {
				c.dispatch(*f.Event)
			}

		default:
			c.logger.Debug("unknown frame type ignored", zap.String("type", f.Type))
		}
	}
}

// dispatch fans a status event out to the flow's subscribers. Events are
// matched by flow id first, then by booking id for flows renamed on the
// server before the local rename landed.
func (c *Client) dispatch(evt ports.FlowStatusEvent) {
	c.mu.Lock()
	var targets []*subscription
	if set, ok := c.subs[evt.FlowID]; ok {
		for _, sub := range set {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 && evt.BookingID != "" {
		if set, ok := c.subs[evt.BookingID]; ok {
			for _, sub := range set {
				targets = append(targets, sub)
			}
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Debug("status event with no subscriber",
			zap.String("flowID", evt.FlowID),
			zap.String("status", evt.Status),
		)
		return
	}

	for _, sub := range targets {
		cb := sub.callbacks
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("status callback panicked",
						zap.String("flowID", sub.flowID),
						zap.Any("panic", r),
					)
				}
			}()
			if evt.Status == "requires_action" && cb.OnActionRequired != nil {
				cb.OnActionRequired(evt)
				return
			}
			if cb.OnStatusUpdate != nil {
				cb.OnStatusUpdate(evt)
			}
		}()
	}
}

// heartbeatLoop sends application-level heartbeats. A heartbeat counts as
// missed when no ack arrived within HeartbeatTimeout; MaxHeartbeatMiss
// consecutive misses force a reconnect.
func (c *Client) heartbeatLoop(conn *websocket.Conn, epoch int) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if !c.connected || c.connEpoch != epoch {
			c.mu.Unlock()
			return
		}
		stale := time.Since(c.lastAck) > c.opts.HeartbeatTimeout
		if stale {
			c.misses++
		}
		misses := c.misses
		c.mu.Unlock()

		if stale && c.OnHeartbeatMiss != nil {
			c.OnHeartbeatMiss()
		}

		if misses >= c.opts.MaxHeartbeatMiss {
			c.logger.Warn("heartbeat misses exceeded, forcing reconnect",
				zap.Int("misses", misses),
			)
			c.handleDisconnect(conn, epoch, pkgerrors.NewTimeoutError("heartbeat"))
			return
		}

		if err := c.writeFrame(frame{Type: frameHeartbeat}); err != nil {
			c.handleDisconnect(conn, epoch, err)
			return
		}
	}
}

// handleDisconnect tears down a dead connection exactly once per epoch and
// kicks off reconnection
func (c *Client) handleDisconnect(conn *websocket.Conn, epoch int, cause error) {
	c.mu.Lock()
	if c.connEpoch != epoch || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	conn.Close()

	if closed {
		return
	}

	c.logger.Warn("realtime connection lost", zap.Error(cause))
	go c.reconnect()
}

// reconnect retries with exponential backoff capped at ReconnectCap. After
// ReconnectAttempts failures it gives up; polling remains the only feed
// until the next EnsureConnection.
func (c *Client) reconnect() {
	delay := c.opts.ReconnectBase

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2
		if delay > c.opts.ReconnectCap {
			delay = c.opts.ReconnectCap
		}

		c.mu.Lock()
		if c.closed || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout+time.Second)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			if c.OnReconnect != nil {
				c.OnReconnect()
			}
			return
		}

		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	c.logger.Error("reconnect attempts exhausted, staying on polling")
}

// Close shuts the transport down permanently
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
