// Package remote bridges a remote Home Assistant instance into the local
// hub over the WebSocket API: it owns the connection lifecycle, the
// request multiplexer and the event bridge.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zorak1103/ha-remote/internal/entityid"
	"github.com/zorak1103/ha-remote/internal/filter"
	"github.com/zorak1103/ha-remote/internal/homeassistant"
	"github.com/zorak1103/ha-remote/internal/hub"
	"github.com/zorak1103/ha-remote/internal/logging"
	"github.com/zorak1103/ha-remote/internal/metrics"
)

// Connection errors that end Run for good.
var (
	ErrAuthInvalid   = errors.New("authentication rejected by remote instance")
	ErrNoCredentials = errors.New("no access token or API password configured")
)

// DefaultMaxMessageSize is the default inbound frame limit (16 MiB).
const DefaultMaxMessageSize = 16 * 1024 * 1024

// taskQueueSize bounds work queued for the processing loop from other goroutines.
const taskQueueSize = 256

// State is the lifecycle state of a Connection.
type State string

// Connection states.
const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Profile is the immutable configuration of one remote instance.
type Profile struct {
	Host              string
	Port              int
	Secure            bool
	VerifySSL         bool
	AccessToken       string
	APIPassword       string
	SubscribeEvents   []string
	EntityPrefix      string
	Filter            filter.Config
	MaxMessageSize    int64
	ReconnectInterval time.Duration
	// ServicePrefix and Services configure proxy services; both are optional.
	ServicePrefix string
	Services      []string
}

// Instance returns "host:port".
func (p Profile) Instance() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// WebSocketURL returns the ws(s) URL of the remote WebSocket API.
func (p Profile) WebSocketURL() string {
	scheme := "ws"
	if p.Secure {
		scheme = "wss"
	}
	return scheme + "://" + p.Instance() + "/api/websocket"
}

// Options carries the local collaborators of a Connection.
type Options struct {
	Store      hub.StateStore
	Bus        hub.EventBus
	Services   hub.ServiceRegistry // optional, required for proxy services
	Customizer hub.Customizer      // optional
	Logger     *logging.Logger     // optional
	Metrics    *metrics.BridgeMetrics
	// HTTPClient is used for the WebSocket handshake. Defaults to a client
	// honoring the profile's verify_ssl setting.
	HTTPClient *http.Client
	// MaxReconnectAttempts limits consecutive failed sessions (0 = unlimited).
	MaxReconnectAttempts int
}

type task func(ctx context.Context) error

type proxyService struct {
	domain  string
	service string
}

// Connection mirrors one remote instance. Run drives it; the other
// exported methods are safe to call concurrently.
type Connection struct {
	profile   Profile
	opts      Options
	logger    *logging.Logger
	filter    *filter.Engine
	rewriter  entityid.Rewriter
	mux       *Multiplexer
	reconnect *ReconnectManager
	tasks     chan task

	mu         sync.RWMutex
	state      State
	entities   entityid.Set
	remoteUUID string

	// Owned by the processing loop.
	conn        *websocket.Conn
	unsubscribe func()
	proxies     []proxyService
}

// New validates profile and creates a Connection in the initializing state.
func New(profile Profile, opts Options) (*Connection, error) {
	if profile.Host == "" {
		return nil, errors.New("remote: host is required")
	}
	if profile.Port <= 0 || profile.Port > 65535 {
		return nil, fmt.Errorf("remote: invalid port %d", profile.Port)
	}
	if opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("remote: state store and event bus are required")
	}
	if profile.MaxMessageSize <= 0 {
		profile.MaxMessageSize = DefaultMaxMessageSize
	}
	if profile.ReconnectInterval <= 0 {
		profile.ReconnectInterval = DefaultReconnectInterval
	}

	engine, err := filter.New(profile.Filter)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", profile.Instance(), err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = homeassistant.NewHTTPClient(30*time.Second, profile.VerifySSL)
	}

	c := &Connection{
		profile:   profile,
		opts:      opts,
		logger:    logger.With("instance", profile.Instance()),
		filter:    engine,
		rewriter:  entityid.NewRewriter(profile.EntityPrefix),
		reconnect: NewReconnectManager(reconnectConfig(profile, opts)),
		tasks:     make(chan task, taskQueueSize),
		state:     StateInitializing,
		entities:  entityid.NewSet(),
	}
	c.mux = NewMultiplexer(func(msgType string) {
		c.opts.Metrics.MessageSent(c.Instance(), msgType)
	})
	return c, nil
}

func reconnectConfig(profile Profile, opts Options) ReconnectConfig {
	cfg := DefaultReconnectConfig()
	if profile.ReconnectInterval > 0 {
		cfg.Interval = profile.ReconnectInterval
	}
	cfg.MaxAttempts = opts.MaxReconnectAttempts
	return cfg
}

// Instance returns "host:port" of the remote instance.
func (c *Connection) Instance() string {
	return c.profile.Instance()
}

// Profile returns the connection profile.
func (c *Connection) Profile() Profile {
	return c.profile
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MirroredEntities returns the local ids of the entities mirrored by this connection.
func (c *Connection) MirroredEntities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entities.Sorted()
}

// SetRemoteUUID records the remote instance uuid shown on the status entities.
func (c *Connection) SetRemoteUUID(uuid string) {
	c.mu.Lock()
	c.remoteUUID = uuid
	c.mu.Unlock()
}

// RemoteUUID returns the uuid set with SetRemoteUUID.
func (c *Connection) RemoteUUID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteUUID
}

// Run connects and keeps the connection alive until ctx is cancelled. It
// returns nil on cancellation and ErrAuthInvalid or ErrNoCredentials when
// the remote rejects this instance; every other failure is retried after
// the reconnect interval.
func (c *Connection) Run(ctx context.Context) error {
	c.publishStatus(c.State())

	for {
		c.setState(StateConnecting)

		err := c.session(ctx)
		switch {
		case ctx.Err() != nil:
			c.setState(StateDisconnected)
			return nil
		case errors.Is(err, ErrAuthInvalid), errors.Is(err, ErrNoCredentials):
			c.logger.Error("Giving up on remote instance", "error", err)
			c.setState(StateDisconnected)
			return err
		}

		if !c.reconnect.ShouldReconnect() {
			c.logger.Error("Giving up on remote instance", "error", err, "attempts", c.reconnect.GetAttempts())
			c.setState(StateDisconnected)
			return ErrMaxReconnectAttempts
		}

		c.logger.Error("Connection to remote instance lost",
			"error", err,
			"attempt", c.reconnect.GetAttempts()+1,
			"retry_in", c.reconnect.Interval())
		c.setState(StateReconnecting)
		c.opts.Metrics.Reconnect(c.Instance())

		if err := c.reconnect.WaitForReconnect(ctx); err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

type frame struct {
	data []byte
	err  error
}

// session runs one connection from dial to teardown.
func (c *Connection) session(ctx context.Context) error {
	url := c.profile.WebSocketURL()
	c.logger.Info("Connecting", "url", url)

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: c.opts.HTTPClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(c.profile.MaxMessageSize)

	c.conn = conn
	c.mux.Attach(wsWriter{conn: conn})
	c.reconnect.Reset()
	c.setState(StateConnected)

	// The reader outlives ctx so shutdown can complete the close handshake.
	readCtx, cancelRead := context.WithCancel(context.WithoutCancel(ctx))
	frames := make(chan frame)
	readerDone := make(chan struct{})
	go c.readLoop(readCtx, conn, frames, readerDone)

	defer func() {
		cancelRead()
		_ = conn.CloseNow()
		<-readerDone
		c.teardown(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		case f := <-frames:
			if f.err != nil {
				return f.err
			}
			if err := c.handleFrame(ctx, f.data); err != nil {
				return err
			}
		case t := <-c.tasks:
			if err := t(ctx); err != nil {
				return err
			}
		}
	}
}

// readLoop reads frames until the socket fails and hands them to the processing loop.
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- frame, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			err = fmt.Errorf("reading: %w", err)
		}
		select {
		case frames <- frame{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleFrame processes one inbound frame on the processing loop.
func (c *Connection) handleFrame(ctx context.Context, data []byte) error {
	msg, err := homeassistant.ParseMessage(data)
	if err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	c.opts.Metrics.MessageReceived(c.Instance(), msg.Type)
	if c.logger.IsTraceEnabled() {
		c.logger.Trace("Received message", "id", msg.ID, "type", msg.Type)
	}

	switch msg.Type {
	case homeassistant.MsgTypeAuthRequired:
		if c.profile.AccessToken == "" && c.profile.APIPassword == "" {
			_ = c.conn.CloseNow()
			return ErrNoCredentials
		}
		auth := homeassistant.NewAuthMessage(c.profile.AccessToken, c.profile.APIPassword)
		return c.mux.Write(ctx, homeassistant.MsgTypeAuth, auth)

	case homeassistant.MsgTypeAuthOK:
		c.logger.Info("Authenticated", "ha_version", msg.HAVersion)
		c.setState(StateConnected)
		return c.initialize(ctx)

	case homeassistant.MsgTypeAuthInvalid:
		_ = c.conn.CloseNow()
		if msg.Message != "" {
			return fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
		}
		return ErrAuthInvalid

	default:
		c.mux.Dispatch(msg)
		return nil
	}
}

// enqueue hands t to the processing loop without blocking. It reports
// false when the queue is full.
func (c *Connection) enqueue(t task) bool {
	select {
	case c.tasks <- t:
		return true
	default:
		c.logger.Warn("Task queue full, dropping work")
		return false
	}
}

// teardown undoes everything a session registered locally.
func (c *Connection) teardown(ctx context.Context) {
	c.mux.Detach()
	c.mux.Reset()
	c.conn = nil

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.unregisterProxies()

	// Queued work fails fast with ErrNotConnected now that the transport is gone.
	for drained := false; !drained; {
		select {
		case t := <-c.tasks:
			_ = t(ctx)
		default:
			drained = true
		}
	}

	c.mu.Lock()
	removed := c.entities.Sorted()
	c.entities = entityid.NewSet()
	c.mu.Unlock()

	for _, id := range removed {
		c.opts.Store.Remove(id)
	}
	c.opts.Metrics.SetMirroredEntities(c.Instance(), 0)
	if len(removed) > 0 {
		c.logger.Info("Removed mirrored entities", "count", len(removed))
	}

	c.setState(StateDisconnected)
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteFrame(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}
