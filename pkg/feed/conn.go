package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/privacy"
	"chatsync/internal/tracing"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const maxFrameBytes = 4 << 20

// ErrClosed is reported by Err after Close
var ErrClosed = errors.New(errors.ErrCodeTransportUnavailable, "live feed closed")

type Config struct {
	// URL selects the transport: ws:// or wss:// for STOMP over websocket,
	// tcp:// for plain STOMP.
	URL            string
	Token          string
	UserID         string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	BufferSize     int
	Logger         *logrus.Logger
}

// Delivery is one decoded event together with the topic it arrived on
type Delivery struct {
	Topic Topic
	Event models.Event
}

// Conn is one live feed connection. It is owned by a single session and
// never shared between conversations.
type Conn struct {
	stomp     *stomp.Conn
	netConn   net.Conn
	token     string
	sessionID string
	logger    *logrus.Logger

	events chan Delivery
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error
	wg     sync.WaitGroup
}

// Dial opens the transport and performs the STOMP handshake
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Token == "" {
		return nil, errors.NewAuthError("missing access token")
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = time.Duration(constants.DefaultFeedHeartbeatMs) * time.Millisecond
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultFeedConnectTimeoutSec) * time.Second
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = constants.DefaultFeedEventBufferSize
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.NewConfigError("feed.url", "invalid feed url")
	}

	ctx, span := tracing.StartSpan(ctx, "feed.dial", attribute.String("scheme", u.Scheme))
	defer func() { tracing.EndSpan(span, err) }()

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()

	connCtx, cancel := context.WithCancel(context.Background())
	nc, err := dialTransport(dialCtx, connCtx, u, cfg.Token)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewNetworkError(u.Host, err)
	}

	sessionID := uuid.NewString()
	_ = nc.SetDeadline(time.Now().Add(timeout))
	sc, err := stomp.Connect(nc,
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(heartbeat, heartbeat),
		stomp.ConnOpt.Header("Authorization", "Bearer "+cfg.Token),
		stomp.ConnOpt.Header("userId", cfg.UserID),
		stomp.ConnOpt.Header("client-session", sessionID),
	)
	if err != nil {
		cancel()
		nc.Close()
		return nil, errors.NewNetworkError(u.Host, fmt.Errorf("stomp handshake: %w", err))
	}
	_ = nc.SetDeadline(time.Time{})

	logger.WithFields(logrus.Fields{
		"user_id":        privacy.MaskUserID(cfg.UserID),
		"client_session": sessionID,
		"server":         sc.Server(),
	}).Info("Live feed connected")
	metrics.IncrementCounter("feed_connects_total", nil, "Successful live feed connections")

	return &Conn{
		stomp:     sc,
		netConn:   nc,
		token:     cfg.Token,
		sessionID: sessionID,
		logger:    logger,
		events:    make(chan Delivery, buffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}, nil
}

func dialTransport(dialCtx, connCtx context.Context, u *url.URL, token string) (net.Conn, error) {
	switch u.Scheme {
	case "ws", "wss":
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{ //nolint:bodyclose
			HTTPHeader:   header,
			Subprotocols: []string{constants.DefaultFeedSubprotocol},
		})
		if err != nil {
			return nil, err
		}
		ws.SetReadLimit(maxFrameBytes)
		return websocket.NetConn(connCtx, ws, websocket.MessageText), nil
	case "tcp", "stomp":
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", u.Host)
	}
	return nil, fmt.Errorf("unsupported feed scheme %q", u.Scheme)
}

// SessionID is the client-session header sent on connect
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Subscribe starts one delivery pump per topic. Frames that cannot be
// decoded are logged and dropped.
func (c *Conn) Subscribe(topics []Topic) error {
	if !c.Connected() {
		return errors.NewTransportUnavailableError("subscribe")
	}
	for _, t := range topics {
		sub, err := c.stomp.Subscribe(t.Destination, stomp.AckAuto,
			stomp.SubscribeOpt.Header("Authorization", "Bearer "+c.token))
		if err != nil {
			return errors.NewNetworkError(t.Destination, fmt.Errorf("subscribe: %w", err))
		}
		c.wg.Add(1)
		go c.pump(t, sub)
	}
	c.logger.WithField("topics", len(topics)).Debug("Subscribed to live feed topics")
	return nil
}

func (c *Conn) pump(topic Topic, sub *stomp.Subscription) {
	defer c.wg.Done()
	for msg := range sub.C {
		if msg.Err != nil {
			c.fail(msg.Err)
			return
		}
		event, err := DecodeEvent(msg.Body, topic.DefaultKind)
		if err != nil {
			metrics.IncrementCounter("feed_frames_dropped_total", map[string]string{"kind": string(topic.DefaultKind)}, "Feed frames that could not be decoded")
			c.logger.WithError(err).WithField("kind", topic.DefaultKind).Warn("Dropping undecodable feed frame")
			continue
		}
		metrics.IncrementCounter("feed_events_received_total", map[string]string{"kind": string(event.Kind)}, "Decoded feed events")
		select {
		case c.events <- Delivery{Topic: topic, Event: event}:
		case <-c.done:
			return
		}
	}
	c.fail(errors.New(errors.ErrCodeNetwork, "subscription closed by server"))
}

// Events delivers decoded events in arrival order per topic
func (c *Conn) Events() <-chan Delivery {
	return c.events
}

// Done is closed when the connection ends for any reason
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil while it is up
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Publish sends payload as JSON to destination. It makes exactly one
// attempt.
func (c *Conn) Publish(ctx context.Context, destination string, payload interface{}) (err error) {
	ctx, span := tracing.StartSpan(ctx, "feed.publish", attribute.String("destination", destination))
	defer func() {
		tracing.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = string(errors.GetCode(err))
		}
		metrics.IncrementCounter("feed_publish_total", map[string]string{"destination": destination, "result": result}, "Outbound feed publishes")
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Connected() {
		return errors.NewTransportUnavailableError("publish").WithContext("destination", destination)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode payload")
	}
	if err := c.stomp.Send(destination, "application/json", body,
		stomp.SendOpt.Header("Authorization", "Bearer "+c.token)); err != nil {
		if !c.Connected() {
			return errors.NewTransportUnavailableError("publish").WithContext("destination", destination)
		}
		return errors.NewNetworkError(destination, err)
	}
	return nil
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	c.mu.Unlock()

	metrics.IncrementCounter("feed_disconnects_total", nil, "Live feed connections lost")
	c.logger.WithError(err).Warn("Live feed connection lost")
	c.cancel()
	c.netConn.Close()
}

// Close disconnects politely, giving the server a short grace period to
// acknowledge before the transport is torn down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	c.err = ErrClosed
	close(c.done)
	c.mu.Unlock()

	disconnected := make(chan error, 1)
	go func() { disconnected <- c.stomp.Disconnect() }()

	var err error
	select {
	case err = <-disconnected:
	case <-time.After(time.Duration(constants.DefaultFeedDisconnectGraceSec) * time.Second):
		c.logger.Debug("Live feed disconnect not acknowledged, dropping transport")
	}
	c.cancel()
	c.netConn.Close()
	c.wg.Wait()
	c.logger.WithField("client_session", c.sessionID).Debug("Live feed closed")
	return err
}
