package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/emailchain/emailchain/internal/cryptoutil"
	"github.com/emailchain/emailchain/internal/fraud"
	"github.com/emailchain/emailchain/internal/metrics"
)

// Config tunes the session manager. Zero values fall back to defaults.
type Config struct {
	Timeout      time.Duration
	MaxPerUser   int
	CriticalRisk int
}

// Manager drives the session lifecycle on top of a Store. The mutex
// serializes read-modify-write sequences so compound operations stay
// atomic regardless of the backing store.
type Manager struct {
	mu    sync.Mutex
	store Store

	timeout      time.Duration
	maxPerUser   int
	criticalRisk int
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates a session manager. A nil store selects the
// in-memory implementation.
func NewManager(cfg Config, store Store, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if cfg.CriticalRisk <= 0 {
		cfg.CriticalRisk = DefaultCriticalRisk
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        store,
		timeout:      cfg.Timeout,
		maxPerUser:   cfg.MaxPerUser,
		criticalRisk: cfg.CriticalRisk,
		logger:       logger.With("component", "session"),
		now:          time.Now,
	}
}

// Create opens a session for the user and returns its id. When the user
// is already at the concurrency cap, the oldest session is evicted.
func (m *Manager) Create(ctx context.Context, userID string, dev DeviceInfo) (string, error) {
	id := cryptoutil.SecureRandom(32)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	m.evictExpiredLocked(ctx, now)

	owned, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	if len(owned) >= m.maxPerUser {
		oldest := owned[0]
		for _, s := range owned[1:] {
			if s.CreatedAt < oldest.CreatedAt {
				oldest = s
			}
		}
		if err := m.store.Delete(ctx, oldest.ID); err != nil {
			return "", fmt.Errorf("evict session: %w", err)
		}
		metrics.SessionTerminationsTotal.WithLabelValues("evicted").Inc()
		m.logger.Info("evicted oldest session",
			"user_id", userID,
			"session_id", oldest.ID)
	}

	err = m.store.Create(ctx, &Session{
		ID:           id,
		UserID:       userID,
		DeviceID:     DeviceID(dev),
		IPAddress:    cryptoutil.Hash(dev.IPAddress),
		UserAgent:    cryptoutil.Hash(dev.UserAgent),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now + m.timeout.Milliseconds(),
		Permissions:  []string{"read", "write"},
		RiskScore:    InitialRisk(dev),
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	m.setActiveGaugeLocked(ctx)
	return id, nil
}

// Validate reports whether the session exists and is unexpired, and on
// success slides the expiry window forward.
func (m *Manager) Validate(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.touchLocked(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// touchLocked validates the session and slides its expiry. Expired
// sessions are deleted and reported as ErrNotFound.
func (m *Manager) touchLocked(ctx context.Context, sessionID string) (*Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now().UnixMilli()
	if now > s.ExpiresAt {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		metrics.SessionTerminationsTotal.WithLabelValues("expired").Inc()
		m.setActiveGaugeLocked(ctx)
		return nil, ErrNotFound
	}

	s.LastActivity = now
	s.ExpiresAt = now + m.timeout.Milliseconds()
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get validates the session and returns it.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchLocked(ctx, sessionID)
}

// UpdateRisk shifts the session's risk score by delta, clamped to
// [0,100]. Crossing the critical threshold terminates the session and
// returns a *SecurityError. Unknown sessions are a no-op.
func (m *Manager) UpdateRisk(ctx context.Context, sessionID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRiskLocked(ctx, sessionID, delta)
}

func (m *Manager) updateRiskLocked(ctx context.Context, sessionID string, delta int) error {
	s, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.RiskScore = max(0, min(100, s.RiskScore+delta))
	if s.RiskScore <= m.criticalRisk {
		return m.store.Update(ctx, s)
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	metrics.SessionTerminationsTotal.WithLabelValues("high_risk").Inc()
	m.setActiveGaugeLocked(ctx)
	m.logger.Warn("session terminated for high risk",
		"session_id", sessionID,
		"user_id", s.UserID,
		"risk_score", s.RiskScore)
	return &SecurityError{
		Code:      "HIGH_RISK_SESSION",
		Severity:  SeverityHigh,
		Message:   "Session has been terminated for security reasons",
		Internal:  fmt.Sprintf("session %s invalidated with risk score %d", sessionID, s.RiskScore),
		UserID:    s.UserID,
		SessionID: sessionID,
		Timestamp: m.now().UnixMilli(),
	}
}

// DetectHijacking compares the request fingerprint against the stored
// session. A device mismatch, or a missing session, is treated as
// hijacking. IP and user-agent drift raise risk without flagging the
// request; the returned error is non-nil when the added risk terminated
// the session.
func (m *Manager) DetectHijacking(ctx context.Context, sessionID string, req DeviceInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if s.DeviceID != DeviceID(req) {
		err := m.updateRiskLocked(ctx, sessionID, 30)
		return true, err
	}

	if s.IPAddress != cryptoutil.Hash(req.IPAddress) {
		if err := m.updateRiskLocked(ctx, sessionID, 20); err != nil {
			return false, err
		}
	}
	if s.UserAgent != cryptoutil.Hash(req.UserAgent) {
		if err := m.updateRiskLocked(ctx, sessionID, 15); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Invalidate removes the session if present.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Get(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	metrics.SessionTerminationsTotal.WithLabelValues("logout").Inc()
	m.setActiveGaugeLocked(ctx)
	return nil
}

// InvalidateAllForUser removes every session belonging to the user.
func (m *Manager) InvalidateAllForUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range owned {
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return err
		}
		metrics.SessionTerminationsTotal.WithLabelValues("logout").Inc()
	}
	m.setActiveGaugeLocked(ctx)
	return nil
}

// Count returns the number of live sessions, expired ones included
// until their next touch.
func (m *Manager) Count(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.List(ctx)
	if err != nil {
		return 0
	}
	return len(all)
}

func (m *Manager) evictExpiredLocked(ctx context.Context, now int64) {
	all, err := m.store.List(ctx)
	if err != nil {
		return
	}
	for _, s := range all {
		if now > s.ExpiresAt {
			if err := m.store.Delete(ctx, s.ID); err != nil {
				continue
			}
			metrics.SessionTerminationsTotal.WithLabelValues("expired").Inc()
		}
	}
}

func (m *Manager) setActiveGaugeLocked(ctx context.Context) {
	all, err := m.store.List(ctx)
	if err != nil {
		return
	}
	metrics.ActiveSessions.Set(float64(len(all)))
}

// DeviceID derives a stable fingerprint hash from the device material.
func DeviceID(dev DeviceInfo) string {
	return cryptoutil.Hash(fmt.Sprintf("%s-%d-%d-%s",
		dev.UserAgent, dev.ScreenWidth, dev.ScreenHeight, dev.Timezone))
}

var suspiciousAgents = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|curl|wget`)

// Headless or anonymized clients start with elevated risk.
var suspiciousTimezones = map[string]struct{}{
	"UTC":     {},
	"GMT":     {},
	"Etc/GMT": {},
}

// InitialRisk scores the device material presented at session creation,
// clamped to [0,100].
func InitialRisk(dev DeviceInfo) int {
	risk := 0
	if suspiciousAgents.MatchString(dev.UserAgent) {
		risk += 20
	}
	if fraud.IsVPNOrProxy(dev.IPAddress) {
		risk += 15
	}
	if _, ok := suspiciousTimezones[dev.Timezone]; ok {
		risk += 10
	}
	return min(risk, 100)
}
