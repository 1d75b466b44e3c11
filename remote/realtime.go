package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the realtime feed.
type FeedConfig struct {
	Token string
	// MaxReconnectAttempts defaults to 10; a negative value retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// Buffer is the capacity of the Events channel.
	Buffer int
	Logger *zap.Logger
}

func (c *FeedConfig) defaults() {
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
	if c.Buffer == 0 {
		c.Buffer = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	StateDisconnected FeedState = "disconnected"
	StateConnecting   FeedState = "connecting"
	StateConnected    FeedState = "connected"
	StateReconnecting FeedState = "reconnecting"
)

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

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

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

// ============================================================================
// Feed
// ============================================================================

// Feed is a WebSocket event stream with heartbeat and auto-reconnect. Every
// successful (re)connect is announced with an EventConnected item.
type Feed struct {
	baseURL string
	config  *FeedConfig
	events  chan Event
	recon   *reconnector
	logger  *zap.Logger

	mu    sync.Mutex
	state FeedState
}

var _ EventSource = (*Feed)(nil)

// NewFeed creates a feed for the service at baseURL. Call Run to connect.
func NewFeed(baseURL string, config *FeedConfig) *Feed {
	cfg := FeedConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Feed{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		events:  make(chan Event, cfg.Buffer),
		recon:   newReconnector(&cfg),
		logger:  cfg.Logger,
		state:   StateDisconnected,
	}
}

// Events returns the stream of decoded events. It is closed when Run returns.
func (f *Feed) Events() <-chan Event {
	return f.events
}

// State returns the current connection state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) setState(s FeedState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// URL returns the WebSocket endpoint.
func (f *Feed) URL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/v1/events"
	if f.config.Token != "" {
		u += "?token=" + url.QueryEscape(f.config.Token)
	}
	return u
}

// Run connects and keeps the feed connected until ctx is cancelled or the
// reconnect budget is spent.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.events)
	defer f.setState(StateDisconnected)

	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !f.recon.shouldReconnect() {
			return fmt.Errorf("feed: giving up after %d attempts: %w", f.recon.attempt, err)
		}

		delay := f.recon.nextDelay()
		f.setState(StateReconnecting)
		f.logger.Warn("feed disconnected, reconnecting",
			zap.Error(err), zap.Int("attempt", f.recon.attempt), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	f.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, f.URL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(MaxPayloadBytes)

	f.setState(StateConnected)
	f.recon.markConnected()
	f.logger.Info("feed connected", zap.String("url", f.baseURL))

	if !f.deliver(ctx, Event{Type: EventConnected}) {
		return ctx.Err()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			f.logger.Debug("dropping malformed envelope", zap.Error(err))
			continue
		}
		if env.Type == "pong" || env.Type == "" {
			continue
		}
		ev, err := env.Decode()
		if err != nil {
			f.logger.Debug("dropping malformed event", zap.String("type", env.Type), zap.Error(err))
			continue
		}
		if !f.deliver(ctx, ev) {
			return ctx.Err()
		}
	}
}

func (f *Feed) deliver(ctx context.Context, ev Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Feed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
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
				f.logger.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
