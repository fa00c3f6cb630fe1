package service

import (
	"context"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/overlay"
	"chatsync/internal/reconcile"
	"chatsync/internal/retry"
	"chatsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// HistoryAPI is the part of the backend client the loader needs
type HistoryAPI interface {
	History(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	PinnedMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
}

type HistoryLoaderConfig struct {
	SelfID  string
	API     HistoryAPI
	Overlay *overlay.Store
	// Attempts counts the first try; Delay is the fixed pause between tries
	Attempts    int
	Delay       time.Duration
	MergeWindow time.Duration
	Logger      *logrus.Logger
}

// HistoryLoader fetches authoritative conversation state. Network failures
// are retried with a fixed delay; auth and not-found failures are not.
type HistoryLoader struct {
	selfID      string
	api         HistoryAPI
	overlay     *overlay.Store
	backoff     retry.BackoffConfig
	mergeWindow time.Duration
	logger      *logrus.Logger
}

func NewHistoryLoader(cfg HistoryLoaderConfig) *HistoryLoader {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = constants.DefaultHistoryMaxAttempts
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = time.Duration(constants.DefaultHistoryRetryDelayMs) * time.Millisecond
	}
	window := cfg.MergeWindow
	if window <= 0 {
		window = time.Duration(constants.DefaultMergeWindowMs) * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &HistoryLoader{
		selfID:      cfg.SelfID,
		api:         cfg.API,
		overlay:     cfg.Overlay,
		backoff:     retry.FixedBackoffConfig(attempts, delay),
		mergeWindow: window,
		logger:      logger,
	}
}

// LoadHistory returns the ordered server history with the local user's
// overlay deletions tagged into deletedByUsers.
func (l *HistoryLoader) LoadHistory(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	history, err := l.fetchHistory(ctx, key)
	if err != nil {
		return nil, err
	}
	deleted, err := l.overlay.DeletedIDs(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("Overlay deletions unavailable, history left untagged")
	}
	l.tag(history, deleted)
	return history, nil
}

// Load gathers everything a re-anchor needs: history, the pinned list and
// the overlay record pruned against both. A pinned list that cannot be
// fetched is reported as unknown rather than failing the load.
func (l *HistoryLoader) Load(ctx context.Context, key models.ConversationKey) (in reconcile.AnchorInput, err error) {
	ctx, span := tracing.StartSpan(ctx, "history.load", attribute.String("conversation", conversationField(ctx, key)))
	start := time.Now()
	defer func() {
		tracing.EndSpan(span, err)
		metrics.RecordTimer("history_load_duration", time.Since(start), nil, "Full history load latency")
	}()

	history, err := l.fetchHistory(ctx, key)
	if err != nil {
		return in, err
	}

	pinned, err := l.fetchPinned(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return in, ctx.Err()
		}
		metrics.IncrementCounter("history_pinned_unavailable_total", nil, "Loads that proceeded without a pinned list")
		l.logger.WithError(err).WithField(LogFieldConversation, conversationField(ctx, key)).
			Warn("Pinned list unavailable, keeping the previous one")
		pinned = nil
	}

	rec, err := l.overlay.ReconcileWithServer(ctx, key, overlay.ServerState{
		History: history,
		Pinned:  pinned,
		SelfID:  l.selfID,
		Window:  l.mergeWindow,
	})
	if err != nil {
		l.logger.WithError(err).Warn("Overlay reconcile failed, using the stored record")
		if rec, err = l.overlay.Load(ctx, key); err != nil {
			return in, err
		}
	}

	deleted := make(map[string]struct{}, len(rec.DeletedMessageIDs))
	for _, id := range rec.DeletedMessageIDs {
		deleted[id] = struct{}{}
	}
	l.tag(history, deleted)
	tracing.AddSpanAttributes(ctx,
		attribute.Int("history.messages", len(history)),
		attribute.Bool("history.pinned_known", pinned != nil),
		attribute.Int("history.unsent", len(rec.LocalUnsent)),
	)

	l.logger.WithFields(logrus.Fields{
		LogFieldConversation: conversationField(ctx, key),
		LogFieldCount:        len(history),
		"pinned_known":       pinned != nil,
		"unsent":             len(rec.LocalUnsent),
	}).Debug("Loaded conversation state")

	return reconcile.AnchorInput{History: history, Pinned: pinned, Overlay: rec}, nil
}

func (l *HistoryLoader) fetchHistory(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	var history []models.Message
	err := l.retry(ctx, "history", key, func(ctx context.Context) error {
		var err error
		history, err = l.api.History(ctx, key)
		return err
	})
	if err != nil {
		metrics.IncrementCounter("history_load_failures_total", map[string]string{"code": string(errors.GetCode(err))}, "History loads that gave up")
		return nil, err
	}
	return history, nil
}

func (l *HistoryLoader) fetchPinned(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	var pinned []models.Message
	err := l.retry(ctx, "pinned", key, func(ctx context.Context) error {
		var err error
		pinned, err = l.api.PinnedMessages(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pinned == nil {
		pinned = []models.Message{}
	}
	return pinned, nil
}

func (l *HistoryLoader) retry(ctx context.Context, op string, key models.ConversationKey, fn func(context.Context) error) error {
	b := retry.NewBackoff(l.backoff)
	b.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.IncrementCounter("history_retries_total", map[string]string{"op": op}, "History fetch retries")
		errors.WrapLogger(l.logger).LogWarn(err, "Fetch failed, retrying", logrus.Fields{
			LogFieldOperation:    op,
			LogFieldConversation: conversationField(ctx, key),
			LogFieldAttempt:      attempt,
			"delay":              delay.String(),
		})
	}
	return b.RetryWithPredicate(ctx, func(int) error { return fn(ctx) }, errors.IsNetwork)
}

// tag marks the local user's deletions and applies the read default: a
// history message from someone else that is not recalled counts as read.
func (l *HistoryLoader) tag(history []models.Message, deleted map[string]struct{}) {
	for i := range history {
		m := &history[i]
		if _, ok := deleted[m.ID]; ok {
			m.MarkDeletedBy(l.selfID)
		}
		if m.SenderID != l.selfID && !m.Recalled {
			m.Read = true
		}
	}
}
