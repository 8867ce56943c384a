// Package session tracks authenticated device sessions with sliding
// expiry and a per-session risk score. Sessions live only in memory:
// losing them on restart forces re-authentication, which is the safe
// failure mode.
package session

import (
	"fmt"
	"time"
)

const (
	// DefaultTimeout is the sliding inactivity window.
	DefaultTimeout = 30 * time.Minute

	// DefaultMaxPerUser caps concurrent sessions; the oldest is evicted
	// when a new one would exceed it.
	DefaultMaxPerUser = 3

	// DefaultCriticalRisk is the score above which a session is
	// hard-terminated.
	DefaultCriticalRisk = 80
)

// Severity classifies security errors.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityError is raised when a session is terminated for security
// reasons rather than by normal expiry. Message is safe to show users;
// Internal carries the detail that goes to logs only.
type SecurityError struct {
	Code      string
	Severity  Severity
	Message   string
	Internal  string
	UserID    string
	SessionID string
	Timestamp int64
}

func (e *SecurityError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// DeviceInfo is the client fingerprint material presented at session
// creation and on every guarded request.
type DeviceInfo struct {
	UserAgent    string `json:"userAgent"`
	IPAddress    string `json:"ipAddress"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	Timezone     string `json:"timezone"`
}

// Session is one authenticated device session. IPAddress, UserAgent and
// DeviceID store hashes, never the raw values.
type Session struct {
	ID           string   `json:"id"`
	UserID       string   `json:"userId"`
	DeviceID     string   `json:"deviceId"`
	IPAddress    string   `json:"ipAddress"`
	UserAgent    string   `json:"userAgent"`
	CreatedAt    int64    `json:"createdAt"`    // epoch millis
	LastActivity int64    `json:"lastActivity"` // epoch millis
	ExpiresAt    int64    `json:"expiresAt"`    // epoch millis
	Permissions  []string `json:"permissions"`
	MFAVerified  bool     `json:"mfaVerified"`
	RiskScore    int      `json:"riskScore"`
}
