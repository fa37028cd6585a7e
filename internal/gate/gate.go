package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ajaxparmar/whatsAppWeb/internal/session"
)

// Validation and authorization failures, mapped to HTTP codes by the
// transport. These never escape as anything but values.
var (
	ErrMissingCredentials = errors.New("instance_id and access_token are required")
	ErrInvalidCredentials = errors.New("invalid instance_id or access_token")
	ErrMissingFields      = errors.New("number and message are required")
	ErrMessageTooLong     = errors.New("message too long (max 4096 chars)")
	ErrUnsupportedType    = errors.New("only text messages are supported")
)

// DeliveryError wraps an adapter failure. Timeout marks sends that hit the
// gate's per-request deadline.
type DeliveryError struct {
	Timeout bool
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("message delivery timed out: %v", e.Err)
	}
	return fmt.Sprintf("message delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Deliverer is what the gate needs from the session machine: a readiness
// probe and the single send operation.
type Deliverer interface {
	Ready() bool
	Send(ctx context.Context, to, body string) (string, error)
}

// Credentials is the static instance_id/access_token pair loaded at
// startup. The zero value disables credential checks.
type Credentials struct {
	InstanceID  string
	AccessToken string
}

func (c Credentials) Enabled() bool {
	return c.InstanceID != "" && c.AccessToken != ""
}

// Request is one outbound send attempt. Validated and discarded per call,
// never queued.
type Request struct {
	Number  string
	Message string
	Type    string // empty defaults to text

	// Credentialed marks requests arriving on the token-gated endpoint;
	// the open JSON endpoint leaves it false.
	Credentialed bool
	InstanceID   string
	AccessToken  string
}

// Confirmation echoes the accepted request back to the caller. To carries
// the destination exactly as the caller supplied it, not the normalized
// form.
type Confirmation struct {
	ID   string
	To   string
	Type string
}

const maxMessageLen = 4096

type Gate struct {
	deliverer   Deliverer
	creds       Credentials
	countryCode string // default country code prefix; empty disables prefixing
	sendTimeout time.Duration
}

const DefaultSendTimeout = 30 * time.Second

func New(deliverer Deliverer, creds Credentials, countryCode string, sendTimeout time.Duration) *Gate {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Gate{
		deliverer:   deliverer,
		creds:       creds,
		countryCode: countryCode,
		sendTimeout: sendTimeout,
	}
}

// HandleSend validates the request and delegates delivery. Checks run in a
// fixed order and the first failure wins; the adapter is never touched
// unless every check passes.
func (g *Gate) HandleSend(ctx context.Context, req Request) (Confirmation, error) {
	if req.Credentialed && g.creds.Enabled() {
		if req.InstanceID == "" || req.AccessToken == "" {
			return Confirmation{}, ErrMissingCredentials
		}
		if !equalConstantTime(req.InstanceID, g.creds.InstanceID) ||
			!equalConstantTime(req.AccessToken, g.creds.AccessToken) {
			return Confirmation{}, ErrInvalidCredentials
		}
	}

	if strings.TrimSpace(req.Number) == "" || strings.TrimSpace(req.Message) == "" {
		return Confirmation{}, ErrMissingFields
	}
	if len(req.Message) > maxMessageLen {
		return Confirmation{}, ErrMessageTooLong
	}

	if !g.deliverer.Ready() {
		return Confirmation{}, session.ErrNotReady
	}

	to := Normalize(req.Number, g.countryCode)

	msgType := req.Type
	if msgType == "" {
		msgType = "text"
	}
	if msgType != "text" {
		return Confirmation{}, ErrUnsupportedType
	}

	conf := Confirmation{
		ID:   uuid.NewString(),
		To:   req.Number,
		Type: msgType,
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.sendTimeout)
	defer cancel()

	msgID, err := g.deliverer.Send(sendCtx, to, req.Message)
	if err != nil {
		// The session can drop between the readiness probe and the send;
		// surface that as not-ready rather than a delivery failure.
		if errors.Is(err, session.ErrNotReady) {
			return Confirmation{}, err
		}
		return Confirmation{}, &DeliveryError{
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}

	log.Printf("gate: sent %s to %s (wa id %s)", conf.ID, to, msgID)
	return conf, nil
}

// Normalize strips everything but digits from a phone-number-like string.
// A bare 10-digit national number gets the default country code prefixed
// when one is configured; anything else passes through as its digits.
func Normalize(number, countryCode string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)

	if countryCode != "" && len(digits) == 10 && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
