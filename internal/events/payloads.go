package events

import "time"

// ConnectionStateDetail reports a real-time channel state transition.
type ConnectionStateDetail struct {
	State string `json:"state"` // disconnected | connecting | connected | error
}

// ReputationUpdateDetail carries a sender-reputation change.
type ReputationUpdateDetail struct {
	UserID   string  `json:"userId"`
	NewScore float64 `json:"newScore"`
	Change   float64 `json:"change"`
	Reason   string  `json:"reason"`
}

// TransactionConfirmedDetail carries an on-chain confirmation.
type TransactionConfirmedDetail struct {
	TransactionID string `json:"transactionId"`
	Hash          string `json:"hash"`
	Status        string `json:"status"`
	BlockNumber   int64  `json:"blockNumber"`
}

// ValidationCompleteDetail carries an email-validation consensus result.
type ValidationCompleteDetail struct {
	ValidationID string  `json:"validationId"`
	Result       string  `json:"result"`
	Consensus    float64 `json:"consensus"`
	Rewards      float64 `json:"rewards"`
}

// FraudAlertDetail carries a blocked-transaction alert.
type FraudAlertDetail struct {
	AlertID      string   `json:"alertId"`
	Severity     string   `json:"severity"`
	Description  string   `json:"description"`
	AffectedUser string   `json:"affectedUser"`
	RiskScore    int      `json:"riskScore"`
	Flags        []string `json:"flags"`
}

// KeyRotatedDetail reports a successful key rotation.
type KeyRotatedDetail struct {
	NewVersion int `json:"newVersion"`
}

// KeyRotationErrorDetail reports a failed scheduled rotation.
type KeyRotationErrorDetail struct {
	Error string `json:"error"`
}

// Now returns the current time in epoch millis, the timestamp unit used
// on every event and envelope.
func Now() int64 {
	return time.Now().UnixMilli()
}
