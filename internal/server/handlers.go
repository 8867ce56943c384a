package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emailchain/emailchain/internal/ledger"
	"github.com/emailchain/emailchain/internal/logging"
	"github.com/emailchain/emailchain/internal/pipeline"
	"github.com/emailchain/emailchain/internal/session"
	"github.com/emailchain/emailchain/internal/traces"
	"github.com/emailchain/emailchain/internal/validate"
)

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
		cancel()
	}

	if _, err := s.keys.CurrentKey(); err != nil {
		checks["keyring"] = "unhealthy"
	} else {
		checks["keyring"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "EmailChain",
		"description": "Transaction security and fraud scoring for the EmailChain protocol",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

type deviceRequest struct {
	UserAgent    string `json:"userAgent"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	Timezone     string `json:"timezone"`
}

// deviceInfo builds the fingerprint material from the request body plus
// transport-level facts. IP and user agent always come from the actual
// connection, never from the client-supplied body.
func (s *Server) deviceInfo(c *gin.Context, req deviceRequest) session.DeviceInfo {
	ua := req.UserAgent
	if ua == "" {
		ua = c.Request.UserAgent()
	}
	return session.DeviceInfo{
		UserAgent:    ua,
		IPAddress:    c.ClientIP(),
		ScreenWidth:  req.ScreenWidth,
		ScreenHeight: req.ScreenHeight,
		Timezone:     req.Timezone,
	}
}

func (s *Server) createSession(c *gin.Context) {
	var req struct {
		UserID string        `json:"userId" binding:"required"`
		Device deviceRequest `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	userID := validate.Sanitize(req.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	dev := s.deviceInfo(c, req.Device)
	id, err := s.sessions.Create(c.Request.Context(), userID, dev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create session",
		})
		return
	}

	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create session",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": id,
		"expiresAt": sess.ExpiresAt,
		"riskScore": sess.RiskScore,
	})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "Session does not exist or has expired",
		})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// verifySession re-checks the caller's device fingerprint against the
// stored session. Hijacked sessions report hijacked=true; risk added by
// fingerprint drift can terminate the session mid-check.
func (s *Server) verifySession(c *gin.Context) {
	var req struct {
		Device deviceRequest `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sessionID := c.Param("id")
	hijacked, err := s.sessions.DetectHijacking(c.Request.Context(), sessionID, s.deviceInfo(c, req.Device))

	var secErr *session.SecurityError
	if errors.As(err, &secErr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":    secErr.Code,
			"message":  secErr.Message,
			"hijacked": hijacked,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"hijacked": hijacked})
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.sessions.Invalidate(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to invalidate session",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

func (s *Server) submitTransaction(c *gin.Context) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_session",
			"message": "X-Session-ID header is required",
		})
		return
	}

	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The pipeline records the submitting client, not what it claims.
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	ctx, span := traces.StartSpan(c.Request.Context(), "pipeline.submit",
		traces.SessionID(sessionID),
		traces.TransactionType(string(req.Type)),
	)
	defer span.End()

	outcome, err := s.pipeline.Submit(ctx, sessionID, req)
	if err != nil {
		var inputErr *pipeline.InputError
		var secErr *session.SecurityError
		switch {
		case errors.Is(err, pipeline.ErrSessionInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "session_invalid",
				"message": "Session does not exist or has expired",
			})
			return
		case errors.As(err, &inputErr):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + inputErr.Field,
				"message": inputErr.Message,
			})
			return
		case errors.As(err, &secErr):
			// The transaction outcome stands; the session did not survive it.
			c.JSON(http.StatusForbidden, gin.H{
				"error":      secErr.Code,
				"message":    secErr.Message,
				"outcome":    outcome,
				"terminated": true,
			})
			return
		default:
			logging.L(ctx).Error("transaction submit failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to process transaction",
			})
			return
		}
	}

	span.SetAttributes(
		traces.TransactionID(outcome.Transaction.ID),
		traces.RiskScore(outcome.Fraud.RiskScore),
		traces.Blocked(outcome.Fraud.Blocked),
	)

	if outcome.Fraud.Blocked {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "transaction_blocked",
			"message": "Transaction blocked by fraud detection",
			"outcome": outcome,
		})
		return
	}

	c.JSON(http.StatusCreated, outcome)
}

func (s *Server) getTransaction(c *gin.Context) {
	tx, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "transaction_not_found",
				"message": "Transaction does not exist",
			})
			return
		}
		logging.L(c.Request.Context()).Error("transaction lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transaction",
		})
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) confirmTransaction(c *gin.Context) {
	var req struct {
		BlockNumber   int64 `json:"blockNumber"`
		Confirmations int   `json:"confirmations"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Confirmations <= 0 {
		req.Confirmations = 1
	}

	err := s.pipeline.Confirm(c.Request.Context(), c.Param("id"), req.BlockNumber, req.Confirmations)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "transaction_not_found",
				"message": "Transaction does not exist",
			})
			return
		}
		logging.L(c.Request.Context()).Error("transaction confirm failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to confirm transaction",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (s *Server) listUserTransactions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)

	txs, err := s.store.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("history lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transaction history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (s *Server) listUserAudits(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)

	audits, err := s.audits.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load fraud audits",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"audits": audits,
		"count":  len(audits),
	})
}

// -----------------------------------------------------------------------------
// Email content scanning
// -----------------------------------------------------------------------------

func (s *Server) validateEmail(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "content is required",
		})
		return
	}

	report := validate.CheckEmailContent(req.Content)
	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Keys & stats
// -----------------------------------------------------------------------------

func (s *Server) keyInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"currentVersion": s.keys.CurrentVersion(),
		"keys":           s.keys.Info(),
	})
}

func (s *Server) rotateKeys(c *gin.Context) {
	version, err := s.keys.Rotate()
	if err != nil {
		logging.L(c.Request.Context()).Error("key rotation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "rotation_failed",
			"message": "Failed to rotate encryption keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"currentVersion": version})
}

func (s *Server) statsHandler(c *gin.Context) {
	stats := gin.H{
		"activeSessions": s.sessions.Count(c.Request.Context()),
		"keyVersions":    s.keys.Count(),
		"realtime":       s.hub.Stats(),
	}
	c.JSON(http.StatusOK, stats)
}

// parseLimit clamps a user-supplied limit to (0, 500].
func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 500)
}
