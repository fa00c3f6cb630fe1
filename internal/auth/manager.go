package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/privacy"
	"chatsync/pkg/chatapi/types"
	"chatsync/pkg/constants"

	"github.com/sirupsen/logrus"
)

// expirySkew refreshes tokens slightly before they expire
const expirySkew = 30 * time.Second

// TokenStore persists the token pair between runs. *database.Database
// satisfies it.
type TokenStore interface {
	SaveTokens(ctx context.Context, accessToken, refreshToken string) error
	LoadTokens(ctx context.Context) (accessToken, refreshToken string, found bool, err error)
}

type ManagerConfig struct {
	BaseURL    string
	Store      TokenStore
	HTTPClient *http.Client
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Manager owns the access/refresh token pair. It is safe for concurrent use.
type Manager struct {
	baseURL string
	store   TokenStore
	client  *http.Client
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
	claims  Claims
}

func NewManager(cfg ManagerConfig) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
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
	return &Manager{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		store:   cfg.Store,
		client:  client,
		logger:  logger,
		now:     now,
	}
}

// Load restores persisted tokens, falling back to the configured ones
func (m *Manager) Load(ctx context.Context, fallback models.AuthConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	access, refresh := fallback.AccessToken, fallback.RefreshToken
	if m.store != nil {
		storedAccess, storedRefresh, found, err := m.store.LoadTokens(ctx)
		if err != nil {
			return err
		}
		if found && storedRefresh != "" {
			access, refresh = storedAccess, storedRefresh
		}
	}
	if access == "" && refresh == "" {
		return errors.NewAuthError("no credentials configured")
	}

	m.access, m.refresh = access, refresh
	if access != "" {
		claims, err := ParseClaims(access)
		if err != nil {
			m.logger.WithError(err).Warn("Stored access token unreadable, a refresh will be attempted")
			m.access = ""
			return nil
		}
		m.claims = claims
	}
	return nil
}

// UserID is the local user's id from the current access token
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims.User()
}

// Expired reports whether the access token is missing or about to expire
func (m *Manager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredLocked()
}

func (m *Manager) expiredLocked() bool {
	if m.access == "" {
		return true
	}
	exp := m.claims.Expiry()
	return !exp.IsZero() && !m.now().Add(expirySkew).Before(exp)
}

// AccessToken returns a usable access token, refreshing an expired one first
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.expiredLocked() {
		return m.access, nil
	}
	return m.refreshLocked(ctx)
}

// Refresh exchanges the refresh token for a new pair
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	if m.refresh == "" {
		return "", errors.NewAuthError("no refresh token available")
	}

	payload, err := json.Marshal(types.RefreshRequest{RefreshToken: m.refresh})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+types.EndpointRefreshTokens, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", errors.NewNetworkError(types.EndpointRefreshTokens, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		m.logger.WithField("status", resp.StatusCode).Warn("Token refresh rejected")
		if resp.StatusCode >= 500 {
			return "", errors.FromHTTPStatus(types.ServiceName, types.EndpointRefreshTokens, resp.StatusCode, string(body))
		}
		return "", errors.NewAuthError(fmt.Sprintf("refresh rejected with status %d", resp.StatusCode))
	}

	var result types.RefreshResponse
	if err := json.Unmarshal(body, &result); err != nil || result.AccessToken == "" {
		return "", errors.NewAuthError("refresh response carried no access token")
	}

	claims, err := ParseClaims(result.AccessToken)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeAuthentication, "refreshed access token unreadable")
	}

	m.access = result.AccessToken
	if result.RefreshToken != "" {
		m.refresh = result.RefreshToken
	}
	m.claims = claims

	if m.store != nil {
		if err := m.store.SaveTokens(ctx, m.access, m.refresh); err != nil {
			m.logger.WithError(err).Warn("Failed to persist refreshed tokens")
		}
	}

	m.logger.WithFields(logrus.Fields{
		"user_id": privacy.MaskUserID(claims.User()),
		"token":   privacy.MaskToken(m.access),
	}).Debug("Access token refreshed")
	return m.access, nil
}
