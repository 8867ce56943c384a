// Package realtime carries signed, encrypted envelopes between the
// security core and dashboard clients over WebSocket.
//
// Every frame on the wire is a sealed Envelope: the JSON envelope is
// HMAC-signed, then the whole thing AES-encrypted. Receivers decrypt,
// check structure, recompute the signature, and enforce a freshness
// window before dispatching. A frame that fails any check is dropped
// and counted, never processed.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emailchain/emailchain/internal/cryptoutil"
	"github.com/emailchain/emailchain/internal/idgen"
)

// Envelope types.
const (
	TypeReputationUpdate     = "reputation_update"
	TypeTransactionConfirmed = "transaction_confirmed"
	TypeValidationComplete   = "validation_complete"
	TypeFraudAlert           = "fraud_alert"
	TypePing                 = "ping"
	TypePong                 = "pong"
)

// DefaultMaxAge is the replay window: envelopes older than this are
// rejected on receive.
const DefaultMaxAge = time.Minute

var (
	ErrBadStructure = errors.New("envelope missing required fields")
	ErrBadSignature = errors.New("envelope signature mismatch")
	ErrStale        = errors.New("envelope outside freshness window")
)

// Envelope is one wire message. Payload stays raw JSON until the
// receiver knows the type and picks the matching struct.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Signature string          `json:"signature"`
	MessageID string          `json:"messageId"`
}

// PingPayload is the body of ping and pong envelopes.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Codec seals and opens envelopes under one symmetric key. The same key
// drives both the HMAC signature and the AES encryption.
type Codec struct {
	key    string
	maxAge time.Duration
	now    func() time.Time
}

// NewCodec creates a codec for the given hex key. maxAge <= 0 selects
// DefaultMaxAge.
func NewCodec(keyHex string, maxAge time.Duration) *Codec {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Codec{key: keyHex, maxAge: maxAge, now: time.Now}
}

// Seal signs and encrypts a payload into a wire frame.
func (c *Codec) Seal(envelopeType string, payload any) (string, error) {
	env, err := c.NewEnvelope(envelopeType, payload)
	if err != nil {
		return "", err
	}
	return c.SealEnvelope(env)
}

// SealEnvelope encrypts an already-signed envelope. Queued envelopes are
// built once and sealed at flush time.
func (c *Codec) SealEnvelope(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return cryptoutil.Encrypt(string(data), c.key)
}

// Open decrypts and verifies a wire frame. The structural check, the
// signature check, and the freshness window are all mandatory.
func (c *Codec) Open(sealed string) (*Envelope, error) {
	plain, err := cryptoutil.Decrypt(sealed, c.key)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		return nil, ErrBadStructure
	}
	if env.Type == "" || env.Signature == "" || env.MessageID == "" ||
		env.Timestamp == 0 || env.Payload == nil {
		return nil, ErrBadStructure
	}

	if !cryptoutil.VerifySignature(signingString(&env), env.Signature, c.key) {
		return nil, ErrBadSignature
	}

	if c.now().UnixMilli()-env.Timestamp > c.maxAge.Milliseconds() {
		return nil, ErrStale
	}

	return &env, nil
}

// MaxAge returns the codec's freshness window.
func (c *Codec) MaxAge() time.Duration { return c.maxAge }

// NewEnvelope builds a signed, unencrypted envelope.
func (c *Codec) NewEnvelope(envelopeType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := &Envelope{
		Type:      envelopeType,
		Payload:   raw,
		Timestamp: c.now().UnixMilli(),
		MessageID: NewMessageID(),
	}
	env.Signature = c.sign(env)
	return env, nil
}

func (c *Codec) sign(env *Envelope) string {
	return cryptoutil.Sign(signingString(env), c.key)
}

func signingString(env *Envelope) string {
	return fmt.Sprintf("%s:%d:%s:%s", env.Type, env.Timestamp, env.Payload, env.MessageID)
}

// NewMessageID returns a wire-unique message id.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), idgen.Hex(5))
}

// rejectReason maps an Open failure onto a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, cryptoutil.ErrDecryptionFailed):
		return "decrypt"
	case errors.Is(err, ErrBadStructure):
		return "structure"
	case errors.Is(err, ErrBadSignature):
		return "signature"
	case errors.Is(err, ErrStale):
		return "stale"
	default:
		return "other"
	}
}
