// Package auth wraps pkg/smartconnect session generation with TOTP so
// callers can ask for a bearer token without knowing whether a fresh
// login or a cached session should back it.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"trading-systemv1/internal/boxconfig"
)

// sessionLifetime mirrors Angel One's JWT validity; Token logs in again
// a minute before it runs out rather than waiting for a 403.
const sessionLifetime = 6 * time.Hour

// SessionClient is the subset of *smartconnect.SmartConnect a Manager
// drives to obtain and refresh a session.
type SessionClient interface {
	GenerateSession(ctx context.Context, clientCode, password, totp string) (map[string]any, error)
	RenewAccessToken(ctx context.Context) (map[string]any, error)
	GetFeedToken() string
}

// Manager owns the current bearer token, logging in again via TOTP when
// it is missing or near expiry and persisting the result so a restart doesn't force a fresh
// login mid-session.
type Manager struct {
	client SessionClient
	cfg    *boxconfig.Config

	clientCode string
	password   string
	totpSecret string

	mu        sync.Mutex
	token     string
	feedToken string
	expiry    time.Time
}

// NewManager loads any persisted session from cfg before the first
// Token call, mirroring AuthManager's constructor-time loadAuthDetails.
func NewManager(client SessionClient, cfg *boxconfig.Config, clientCode, password, totpSecret string) *Manager {
	m := &Manager{
		client:     client,
		cfg:        cfg,
		clientCode: clientCode,
		password:   password,
		totpSecret: totpSecret,
	}
	m.loadPersisted()
	return m
}

func (m *Manager) loadPersisted() {
	tok := m.cfg.GetString("auth/access_token", "")
	expiryStr := m.cfg.GetString("auth/expiry", "")
	if tok == "" || expiryStr == "" {
		return
	}
	expiry, err := time.Parse(time.RFC3339, expiryStr)
	if err != nil {
		slog.Warn("auth: failed to parse persisted expiry, ignoring cached session", "err", err)
		return
	}
	if time.Now().After(expiry) {
		return
	}
	m.token = tok
	m.expiry = expiry
	m.feedToken = m.cfg.GetString("auth/feed_token", "")
	slog.Info("auth: restored persisted session", "expiresAt", expiry)
}

// Token returns a bearer token valid for at least a minute, logging in
// fresh via TOTP if none is cached or the cached one is near expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Now().Add(time.Minute).Before(m.expiry) {
		return m.token, nil
	}

	code, err := totp.GenerateCode(m.totpSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("auth: generating totp code: %w", err)
	}

	resp, err := m.client.GenerateSession(ctx, m.clientCode, m.password, code)
	if err != nil {
		return "", fmt.Errorf("auth: login failed: %w", err)
	}

	data, ok := resp["data"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("auth: unexpected login response shape")
	}
	jwt, _ := data["jwtToken"].(string)
	if jwt == "" {
		return "", fmt.Errorf("auth: login response carried no jwtToken")
	}

	m.token = jwt
	m.feedToken = m.client.GetFeedToken()
	m.expiry = time.Now().Add(sessionLifetime)
	m.persist()

	slog.Info("auth: fresh session established", "expiresAt", m.expiry)
	return m.token, nil
}

// Invalidate clears the cached session, forcing the next Token call to
// log in again. Callers invoke this on a 403/TokenException from the
// broker, matching AuthManager's invalidate-on-403 contract.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = ""
	m.feedToken = ""
	m.expiry = time.Time{}
	m.cfg.Set("auth/access_token", "")
	m.cfg.Set("auth/expiry", "")
	m.cfg.Set("auth/feed_token", "")
	if err := m.cfg.Save(); err != nil {
		slog.Warn("auth: failed to persist invalidation", "err", err)
	}
	slog.Info("auth: session invalidated")
}

// FeedToken returns the feed token from the most recent successful
// login, or the empty string if no session has been established yet.
func (m *Manager) FeedToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedToken
}

func (m *Manager) persist() {
	m.cfg.Set("auth/access_token", m.token)
	m.cfg.Set("auth/feed_token", m.feedToken)
	m.cfg.Set("auth/expiry", m.expiry.Format(time.RFC3339))
	if err := m.cfg.Save(); err != nil {
		slog.Warn("auth: failed to persist session", "err", err)
	}
}
