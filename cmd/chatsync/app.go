package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/constants"
	"chatsync/internal/database"
	"chatsync/internal/models"
	"chatsync/internal/overlay"
	"chatsync/internal/retry"
	"chatsync/internal/service"
	"chatsync/internal/tracing"
	"chatsync/pkg/chatapi"
	"chatsync/pkg/feed"
	"chatsync/pkg/media"

	"github.com/sirupsen/logrus"
)

// app holds everything shared by the conversations of one process
type app struct {
	cfg     *models.Config
	logger  *logrus.Logger
	verbose bool
	db      *database.Database
	tracing *tracing.TracingManager
	auth    *auth.Manager
	api     *chatapi.ChatClient
	overlay *overlay.Store
	selfID  string
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message content will be logged")
	} else {
		config.LogLevelUpdater(logger)(cfg)
	}

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatsync")

	a := &app{cfg: cfg, logger: logger, verbose: opts.verbose}

	a.tracing = tracing.NewTracingManager(cfg.Tracing, logger)
	if err := a.tracing.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func(int) error {
		var initErr error
		a.db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second}

	a.auth = auth.NewManager(auth.ManagerConfig{
		BaseURL:    cfg.API.BaseURL,
		Store:      a.db,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err := a.auth.Load(ctx, cfg.Auth); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	// Refreshes the token when the stored one is stale so the user id is known
	if _, err := a.auth.AccessToken(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}
	a.selfID = a.auth.UserID()
	if a.selfID == "" {
		a.Close()
		return nil, fmt.Errorf("access token carries no user id")
	}

	a.api = chatapi.NewClient(chatapi.ClientConfig{
		BaseURL:    cfg.API.BaseURL,
		Tokens:     a.auth,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	a.overlay = overlay.NewStore(a.db, logger)

	return a, nil
}

// openSession builds, but does not run, the session for key
func (a *app) openSession(key models.ConversationKey) (*service.Session, error) {
	dial := service.NewFeedDialer(feed.Config{
		URL:       a.cfg.Feed.URL,
		Heartbeat: time.Duration(a.cfg.Feed.HeartbeatMs) * time.Millisecond,
		Logger:    a.logger,
	}, a.auth)

	return service.NewSession(service.SessionConfig{
		SelfID:       a.selfID,
		Conversation: key,
		API:          a.api,
		Overlay:      a.overlay,
		Dial:         dial,
		Sync:         a.cfg.Sync,
		Reconnect: retry.BackoffConfig{
			InitialDelay: time.Duration(a.cfg.Feed.ReconnectInitialMs) * time.Millisecond,
			MaxDelay:     time.Duration(a.cfg.Feed.ReconnectMaxMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  a.cfg.Feed.ReconnectMaxAttempt,
			Jitter:       true,
		},
		MediaLimits: media.Limits{
			ImageMB: a.cfg.Media.MaxImageMB,
			VideoMB: a.cfg.Media.MaxVideoMB,
			AudioMB: a.cfg.Media.MaxAudioMB,
			FileMB:  a.cfg.Media.MaxFileMB,
		},
		Logger: a.logger,
	})
}

// runContext tags ctx for the session's log masking
func (a *app) runContext(ctx context.Context) context.Context {
	return service.WithVerboseLogging(ctx, a.verbose)
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warnf("Failed to close database: %v", err)
		}
	}
	if err := a.tracing.Shutdown(context.Background()); err != nil {
		a.logger.Warnf("Failed to shutdown tracing: %v", err)
	}
}

// startSession runs s in the background and waits until it is live. The
// returned channel yields Run's result.
func startSession(ctx context.Context, s *service.Session) (<-chan error, error) {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := waitLive(ctx, s, done); err != nil {
		return nil, err
	}
	return done, nil
}

func waitLive(ctx context.Context, s *service.Session, done <-chan error) error {
	for s.State() != service.StateLive {
		select {
		case <-s.Updates():
		case err := <-done:
			if err == nil {
				err = fmt.Errorf("session stopped before going live")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
