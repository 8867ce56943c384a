// Package keyring manages the lifecycle of the rotating symmetric keys
// used for envelope signing and encryption. Keys are versioned: rotation
// always produces version current+1, evicts versions beyond the retention
// count, and notifies registered listeners.
package keyring

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emailchain/emailchain/internal/cryptoutil"
	"github.com/emailchain/emailchain/internal/events"
)

// Defaults for the rotation schedule.
const (
	DefaultRotationInterval = 24 * time.Hour
	DefaultRetention        = 3
)

// ErrNoCurrentKey is returned when the current version is missing from
// the table. It indicates internal corruption and should never happen.
var ErrNoCurrentKey = errors.New("no current key available")

// KeyVersion is one generation of the symmetric key.
type KeyVersion struct {
	Version   int       `json:"version"`
	Key       string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// KeyInfo is the exported view of a key version, without the material.
type KeyInfo struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Current   bool      `json:"current"`
}

// Config controls rotation cadence and retention.
type Config struct {
	RotationInterval time.Duration
	Retention        int // key versions kept; older versions are evicted
	AutoRotate       bool
}

// Listener is notified synchronously after each successful rotation.
type Listener func(newVersion int)

// Manager owns the version table. All methods are safe for concurrent
// use; the table is mutex-guarded because rotation can race reads from
// codec goroutines.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	keys      map[int]KeyVersion
	current   int
	listeners []Listener
	bus       *events.Bus
	logger    *slog.Logger
	cancel    context.CancelFunc
}

// New creates a manager seeded with version 1. The bus may be nil when
// rotation events are not consumed (e.g. in tests).
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		keys:   make(map[int]KeyVersion),
		bus:    bus,
		logger: logger,
	}

	now := time.Now()
	m.current = 1
	m.keys[1] = KeyVersion{
		Version:   1,
		Key:       cryptoutil.GenerateKey(),
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.RotationInterval),
	}
	return m
}

// Rotate allocates the next key version, advances the current pointer,
// trims the table to the retention count, and notifies listeners. It
// never fails under normal operation; the error return exists so an
// I/O-backed implementation can surface persistence failures.
func (m *Manager) Rotate() (int, error) {
	m.mu.Lock()
	now := time.Now()
	next := m.current + 1
	m.keys[next] = KeyVersion{
		Version:   next,
		Key:       cryptoutil.GenerateKey(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RotationInterval),
	}
	m.current = next

	// Evict versions beyond the retention window.
	floor := next - m.cfg.Retention
	for v := range m.keys {
		if v <= floor {
			delete(m.keys, v)
		}
	}

	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		m.notify(l, next)
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Topic:     events.TopicKeyRotated,
			Detail:    events.KeyRotatedDetail{NewVersion: next},
			Timestamp: events.Now(),
		})
	}

	m.logger.Info("key rotated", "version", next)
	return next, nil
}

// notify invokes one listener, containing any panic so a broken consumer
// cannot abort the rotation.
func (m *Manager) notify(l Listener, version int) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("key rotation listener panicked", "panic", r)
		}
	}()
	l(version)
}

// CurrentKey returns the current key material.
func (m *Manager) CurrentKey() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kv, ok := m.keys[m.current]
	if !ok {
		return "", ErrNoCurrentKey
	}
	return kv.Key, nil
}

// CurrentVersion returns the current version number.
func (m *Manager) CurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Key returns the material for a retained version.
func (m *Manager) Key(version int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kv, ok := m.keys[version]
	if !ok {
		return "", false
	}
	return kv.Key, true
}

// IsExpired reports whether a version is unknown or past its expiry.
func (m *Manager) IsExpired(version int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kv, ok := m.keys[version]
	if !ok {
		return true
	}
	return time.Now().After(kv.ExpiresAt)
}

// AddListener registers a rotation listener.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Info returns the exported view of every retained version.
func (m *Manager) Info() []KeyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyInfo, 0, len(m.keys))
	for _, kv := range m.keys {
		out = append(out, KeyInfo{
			Version:   kv.Version,
			CreatedAt: kv.CreatedAt,
			ExpiresAt: kv.ExpiresAt,
			Current:   kv.Version == m.current,
		})
	}
	return out
}

// Start launches the auto-rotation ticker when enabled. Rotation failures
// are published on the key.rotation_error topic rather than dropped.
// Stop (or ctx cancellation) halts the ticker.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.AutoRotate {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.RotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Rotate(); err != nil {
					m.logger.Error("scheduled key rotation failed", "error", err)
					if m.bus != nil {
						m.bus.Publish(events.Event{
							Topic:     events.TopicKeyRotationError,
							Detail:    events.KeyRotationErrorDetail{Error: err.Error()},
							Timestamp: events.Now(),
						})
					}
				}
			}
		}
	}()
}

// Stop halts auto rotation if it was started.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Count returns the number of retained versions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}
