// Package webhook authenticates payment-provider notifications before any of their content is trusted.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	// SignatureHeader carries the provider signature of the raw request body.
	SignatureHeader = "Stripe-Signature"
	// DefaultTolerance is the accepted age of a signed timestamp.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingSecret    = errors.New("webhook secret is required")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// VerifiedEvent is a provider event whose signature and timestamp were checked.
type VerifiedEvent struct {
	ID         string
	Type       string
	CreatedAt  time.Time
	LiveMode   bool
	APIVersion string
	Object     json.RawMessage
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTolerance overrides the accepted timestamp age.
func WithTolerance(tolerance time.Duration) Option {
	return func(verifier *Verifier) {
		if tolerance > 0 {
			verifier.tolerance = tolerance
		}
	}
}

// Verifier checks provider signatures against a shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier binds the endpoint secret.
func NewVerifier(secret string, options ...Option) (*Verifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrMissingSecret
	}
	verifier := &Verifier{secret: trimmed, tolerance: DefaultTolerance}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier, nil
}

// Verify authenticates payload against signatureHeader and decodes the event envelope.
// Every authentication failure wraps ErrInvalidSignature.
func (verifier *Verifier) Verify(payload []byte, signatureHeader string) (VerifiedEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return VerifiedEvent{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, signatureHeader, verifier.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                verifier.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureFailure(err) {
			return VerifiedEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return VerifiedEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return toVerifiedEvent(event)
}

func isSignatureFailure(err error) bool {
	return errors.Is(err, stripewebhook.ErrNoValidSignature) ||
		errors.Is(err, stripewebhook.ErrNotSigned) ||
		errors.Is(err, stripewebhook.ErrInvalidHeader) ||
		errors.Is(err, stripewebhook.ErrTooOld)
}

func toVerifiedEvent(event stripe.Event) (VerifiedEvent, error) {
	if strings.TrimSpace(event.ID) == "" {
		return VerifiedEvent{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if strings.TrimSpace(string(event.Type)) == "" {
		return VerifiedEvent{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	var object json.RawMessage
	if event.Data != nil {
		object = event.Data.Raw
	}
	if len(object) == 0 {
		object = json.RawMessage("{}")
	}
	return VerifiedEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		CreatedAt:  time.Unix(event.Created, 0).UTC(),
		LiveMode:   event.Livemode,
		APIVersion: event.APIVersion,
		Object:     object,
	}, nil
}
