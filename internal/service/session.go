package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/overlay"
	"chatsync/internal/privacy"
	"chatsync/internal/reconcile"
	"chatsync/internal/retry"
	"chatsync/internal/validation"
	"chatsync/pkg/chatapi"
	"chatsync/pkg/feed"
	"chatsync/pkg/media"

	"github.com/sirupsen/logrus"
)

// Feed is a live feed connection as the session uses it. *feed.Conn
// satisfies it.
type Feed interface {
	Subscribe(topics []feed.Topic) error
	Events() <-chan feed.Delivery
	Done() <-chan struct{}
	Err() error
	Connected() bool
	Publish(ctx context.Context, destination string, payload interface{}) error
	Close() error
}

// FeedDialer opens a fresh feed connection. It is called again after every
// disconnect.
type FeedDialer func(ctx context.Context) (Feed, error)

// NewFeedDialer dials the STOMP feed with a current access token
func NewFeedDialer(cfg feed.Config, tokens chatapi.TokenSource) FeedDialer {
	return func(ctx context.Context) (Feed, error) {
		token, err := tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		c := cfg
		c.Token = token
		c.UserID = tokens.UserID()
		conn, err := feed.Dial(ctx, c)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateConnecting   SessionState = "connecting"
	StateAnchoring    SessionState = "anchoring"
	StateLive         SessionState = "live"
	StateReconnecting SessionState = "reconnecting"
	StateClosed       SessionState = "closed"
)

type SessionConfig struct {
	SelfID       string
	Conversation models.ConversationKey
	API          chatapi.Client
	Overlay      *overlay.Store
	Dial         FeedDialer
	Sync         models.SyncConfig
	// Reconnect is the backoff between feed dial attempts
	Reconnect   retry.BackoffConfig
	MediaLimits media.Limits
	Logger      *logrus.Logger
	Now         func() time.Time
}

// View is a point-in-time copy of the conversation as the local user sees it
type View struct {
	Conversation models.ConversationKey `json:"conversation"`
	State        SessionState           `json:"state"`
	Messages     []models.MessageView   `json:"messages"`
	Pinned       []models.Message       `json:"pinned"`
}

// Session owns one open conversation: its feed connection, its merged view
// and the actions taken on it. Every engine access happens on the Run
// goroutine; everything else talks to it through the op queue.
type Session struct {
	selfID    string
	key       models.ConversationKey
	api       chatapi.Client
	overlay   *overlay.Store
	loader    *HistoryLoader
	dial      FeedDialer
	sync      models.SyncConfig
	reconnect retry.BackoffConfig
	limits    media.Limits
	logger    *logrus.Logger
	errLog    *errors.Logger
	now       func() time.Time

	engine     *reconcile.Engine
	dispatcher *Dispatcher

	ops     chan func()
	updates chan struct{}
	quit    chan struct{}
	running atomic.Bool
	state   atomic.Value

	workCtx    context.Context
	workCancel context.CancelFunc
	wg         sync.WaitGroup

	// owned by the Run goroutine
	gen         uint64
	feed        Feed
	fatalErr    error
	pinnedBusy  bool
	pinnedDirty bool
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if err := validation.ValidateUserID("self_id", cfg.SelfID); err != nil {
		return nil, err
	}
	if err := validation.ValidateConversation(cfg.Conversation); err != nil {
		return nil, err
	}
	if cfg.API == nil || cfg.Overlay == nil || cfg.Dial == nil {
		return nil, errors.NewConfigError("session", "api, overlay and feed dialer are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	reconnect := cfg.Reconnect
	if reconnect.InitialDelay <= 0 {
		reconnect = retry.DefaultBackoffConfig()
	}
	limits := cfg.MediaLimits
	if limits == (media.Limits{}) {
		limits = media.DefaultLimits()
	}

	mergeWindow := time.Duration(cfg.Sync.MergeWindowMs) * time.Millisecond
	s := &Session{
		selfID:    cfg.SelfID,
		key:       cfg.Conversation,
		api:       cfg.API,
		overlay:   cfg.Overlay,
		dial:      cfg.Dial,
		sync:      cfg.Sync,
		reconnect: reconnect,
		limits:    limits,
		logger:    logger,
		errLog:    errors.WrapLogger(logger),
		now:       now,
		engine: reconcile.NewEngine(reconcile.Options{
			SelfID:       cfg.SelfID,
			Conversation: cfg.Conversation,
			MergeWindow:  mergeWindow,
			LiveWindow:   time.Duration(cfg.Sync.LiveDedupeWindowMs) * time.Millisecond,
			Logger:       logger,
			Now:          now,
		}),
		loader: NewHistoryLoader(HistoryLoaderConfig{
			SelfID:      cfg.SelfID,
			API:         cfg.API,
			Overlay:     cfg.Overlay,
			Attempts:    cfg.Sync.HistoryMaxAttempts,
			Delay:       time.Duration(cfg.Sync.HistoryRetryDelayMs) * time.Millisecond,
			MergeWindow: mergeWindow,
			Logger:      logger,
		}),
		ops:     make(chan func(), constants.DefaultSessionCommandQueueLen),
		updates: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	s.dispatcher = &Dispatcher{s: s}
	s.state.Store(StateIdle)
	return s, nil
}

func (s *Session) Conversation() models.ConversationKey {
	return s.key
}

func (s *Session) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Session) State() SessionState {
	return s.state.Load().(SessionState)
}

// Updates signals after the view changed. Signals coalesce; read the view
// with Snapshot.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Run connects, anchors and then follows the conversation until ctx is
// cancelled or a terminal error occurs. A history load that fails for good
// is terminal: the view cannot be trusted without it.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrCodeInternalError, "session already running")
	}
	s.workCtx, s.workCancel = context.WithCancel(ctx)
	defer s.shutdown()

	s.logger.WithFields(logrus.Fields{
		LogFieldConversation: conversationField(ctx, s.key),
		LogFieldUserID:       privacy.MaskUserID(s.selfID),
	}).Info("Opening conversation")
	s.connect(StateConnecting)

	for {
		var events <-chan feed.Delivery
		var feedDone <-chan struct{}
		if s.feed != nil {
			events = s.feed.Events()
			feedDone = s.feed.Done()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.ops:
			fn()
		case d := <-events:
			feed.Dispatch(d.Event, s.engine)
		case <-feedDone:
			s.handleDisconnect()
		}

		if s.fatalErr != nil {
			return s.fatalErr
		}
		s.settle()
	}
}

func (s *Session) shutdown() {
	s.gen++
	close(s.quit)
	s.workCancel()
	s.wg.Wait()
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			s.logger.WithError(err).Debug("Feed close failed")
		}
		s.feed = nil
	}
	s.setState(StateClosed)
	s.logger.WithField(LogFieldConversation, privacy.MaskConversation(s.key.String())).Info("Conversation closed")
}

func (s *Session) setState(state SessionState) {
	s.state.Store(state)
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// connect dials in the background with the reconnect backoff
func (s *Session) connect(state SessionState) {
	s.setState(state)
	gen := s.gen
	s.spawn(func(ctx context.Context) {
		b := retry.NewBackoff(s.reconnect)
		b.OnRetry = func(attempt int, err error, delay time.Duration) {
			metrics.IncrementCounter("session_dial_retries_total", nil, "Feed dial retries")
			s.logger.WithError(err).WithFields(logrus.Fields{
				LogFieldAttempt: attempt,
				"delay":         delay.String(),
			}).Warn("Feed dial failed, retrying")
		}

		var conn Feed
		err := b.RetryWithPredicate(ctx, func(int) error {
			c, err := s.dial(ctx)
			if err != nil {
				return err
			}
			if err := c.Subscribe(feed.TopicsFor(s.selfID, s.key)); err != nil {
				c.Close()
				return err
			}
			conn = c
			return nil
		}, dialRetryable)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.errLog.LogError(err, "Giving up on the live feed", logrus.Fields{LogFieldGeneration: gen})
			s.post(func() {
				if gen == s.gen {
					s.fatalErr = err
				}
			})
			return
		}

		posted := s.post(func() {
			if gen != s.gen {
				conn.Close()
				return
			}
			s.onConnected(conn)
		})
		if !posted {
			conn.Close()
		}
	})
}

func dialRetryable(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeAuthentication, errors.ErrCodeAuthorization, errors.ErrCodeInvalidConfig:
		return false
	}
	return true
}

func (s *Session) onConnected(conn Feed) {
	s.feed = conn
	s.logger.WithField(LogFieldGeneration, s.gen).Info("Live feed subscribed")
	s.anchor()
}

// anchor starts a full reload. Events arriving meanwhile are journaled by
// the engine and replayed once the load completes.
func (s *Session) anchor() {
	s.engine.BeginAnchor()
	s.setState(StateAnchoring)
	gen := s.gen
	s.spawn(func(ctx context.Context) {
		in, err := s.loader.Load(ctx, s.key)
		s.post(func() {
			if gen != s.gen {
				metrics.IncrementCounter("session_stale_completions_total", nil, "Completions discarded after a reconnect")
				return
			}
			if err != nil {
				s.errLog.LogError(err, "Conversation load failed", logrus.Fields{LogFieldGeneration: gen})
				s.engine.AbortAnchor()
				s.fatalErr = err
				return
			}
			s.onAnchored(in)
		})
	})
}

func (s *Session) onAnchored(in reconcile.AnchorInput) {
	start := time.Now()
	res := s.engine.Anchor(in)
	fx := s.engine.TakeEffects()
	if in.Pinned != nil && res.Replayed == 0 {
		fx.PinnedChanged = false
	}
	s.handleEffects(fx)
	s.setState(StateLive)

	metrics.IncrementCounter("session_anchors_total", nil, "Completed full re-anchors")
	metrics.RecordTimer("session_anchor_merge_duration", time.Since(start), nil, "Time spent merging an anchor")
	s.logger.WithFields(logrus.Fields{
		LogFieldCount:      res.Messages,
		"unsent_kept":      res.UnsentKept,
		"replayed":         res.Replayed,
		LogFieldGeneration: s.gen,
	}).Info("Conversation anchored")
}

// handleDisconnect drops everything tied to the lost connection and starts
// over. Incremental events alone are never trusted across a gap.
func (s *Session) handleDisconnect() {
	err := s.feed.Err()
	if cerr := s.feed.Close(); cerr != nil {
		s.logger.WithError(cerr).Debug("Feed close failed")
	}
	s.feed = nil
	s.gen++
	s.engine.AbortAnchor()
	s.pinnedBusy = false
	s.pinnedDirty = false

	metrics.IncrementCounter("session_disconnects_total", nil, "Feed disconnects seen by the session")
	s.logger.WithError(err).WithField(LogFieldGeneration, s.gen).Warn("Live feed lost, reconnecting")
	s.connect(StateReconnecting)
}

// settle runs after every loop step: it acts on engine effects and tells
// watchers the view may have changed.
func (s *Session) settle() {
	if fx := s.engine.TakeEffects(); !fx.Empty() {
		s.handleEffects(fx)
	}
	s.notify()
}

func (s *Session) handleEffects(fx reconcile.Effects) {
	if len(fx.Confirmed) > 0 {
		ids := fx.Confirmed
		s.spawn(func(ctx context.Context) {
			for _, id := range ids {
				if err := s.overlay.RemoveUnsent(ctx, s.key, id); err != nil {
					s.logger.WithError(err).WithField(LogFieldMessageID, idField(ctx, id)).Warn("Failed to drop confirmed unsent message")
				}
			}
		})
	}
	if len(fx.Stranded) > 0 {
		stranded := fx.Stranded
		s.spawn(func(ctx context.Context) {
			for _, msg := range stranded {
				if err := s.overlay.RecordUnsent(ctx, s.key, msg); err != nil {
					s.logger.WithError(err).WithField(LogFieldMessageID, idField(ctx, msg.ID)).Warn("Failed to mark stranded send as failed")
				}
			}
		})
		metrics.AddToCounter("session_stranded_sends_total", float64(len(stranded)), nil, "Stored pending sends marked failed on load")
	}
	if fx.PinnedChanged && !s.engine.Anchoring() {
		s.refreshPinned()
	}
	if len(fx.ReadCandidates) > 0 {
		s.sendReadReceipts(fx.ReadCandidates)
	}
}

// refreshPinned refetches the server pinned list. Requests made while one
// is in flight collapse into a single follow-up fetch.
func (s *Session) refreshPinned() {
	if s.pinnedBusy {
		s.pinnedDirty = true
		return
	}
	s.pinnedBusy = true
	gen := s.gen
	s.spawn(func(ctx context.Context) {
		pinned, err := s.api.PinnedMessages(ctx, s.key)
		if err == nil {
			if pinned == nil {
				pinned = []models.Message{}
			}
			// storage only; the engine trims its local list in SetServerPinned
			if _, rerr := s.overlay.ReconcileWithServer(ctx, s.key, overlay.ServerState{Pinned: pinned, SelfID: s.selfID}); rerr != nil {
				s.logger.WithError(rerr).Warn("Failed to prune local pins")
			}
		}
		s.post(func() {
			if gen != s.gen {
				return
			}
			s.pinnedBusy = false
			if err != nil {
				s.logger.WithError(err).Warn("Pinned refresh failed, keeping the current list")
			} else {
				s.engine.SetServerPinned(pinned)
			}
			if s.pinnedDirty {
				s.pinnedDirty = false
				s.refreshPinned()
			}
		})
	})
}

func (s *Session) sendReadReceipts(msgs []models.Message) {
	if s.sync.DisableReadReceipts || s.feed == nil {
		return
	}
	conn := s.feed
	for _, m := range msgs {
		m := m
		s.spawn(func(ctx context.Context) {
			err := conn.Publish(ctx, feed.DestinationRead, feed.ReadPayload{ID: m.ID, SenderID: m.SenderID, ReceiverID: s.selfID})
			s.post(func() {
				if err != nil {
					s.engine.ReleaseRead(m.ID)
					s.logger.WithError(err).WithField(LogFieldMessageID, idField(ctx, m.ID)).Debug("Read receipt not sent")
					return
				}
				s.engine.MarkRead(m.ID)
			})
		})
	}
}

// liveFeed returns the current connection or TransportUnavailable. Only
// called on the Run goroutine.
func (s *Session) liveFeed(op string) (Feed, error) {
	if s.feed == nil || !s.feed.Connected() {
		return nil, errors.NewTransportUnavailableError(op)
	}
	return s.feed, nil
}

func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.workCtx)
	}()
}

// post queues fn for the Run goroutine. It reports false once the session
// has shut down.
func (s *Session) post(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.quit:
		return false
	}
}

var errSessionClosed = errors.NewTransportUnavailableError("session").WithUserMessage("Conversation is closed")

// call runs fn on the Run goroutine and waits for its result
func (s *Session) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.ops <- func() { result <- fn() }:
	case <-s.quit:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-s.quit:
		select {
		case err := <-result:
			return err
		default:
			return errSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current view for the local user
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := s.call(ctx, func() error {
		v = View{
			Conversation: s.key,
			State:        s.State(),
			Messages:     s.engine.Views(s.selfID),
			Pinned:       s.engine.Pinned(),
		}
		return nil
	})
	return v, err
}

// Search looks for keyword in the merged local view
func (s *Session) Search(ctx context.Context, keyword string) ([]models.Message, error) {
	if err := validation.ValidateKeyword(keyword); err != nil {
		return nil, err
	}
	var out []models.Message
	err := s.call(ctx, func() error {
		out = s.engine.Search(keyword)
		return nil
	})
	return out, err
}

// SearchServer runs the keyword search on the backend
func (s *Session) SearchServer(ctx context.Context, keyword string) ([]models.Message, error) {
	if err := validation.ValidateKeyword(keyword); err != nil {
		return nil, err
	}
	return s.api.Search(ctx, s.key, keyword)
}
