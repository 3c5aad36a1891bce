// Package signing produces time-limited read URLs for stored objects.
// It walks an ordered chain of credential mechanisms and never falls back
// to changing object ACLs when every mechanism fails.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

// MaxTTL caps the lifetime of any signed URL
const MaxTTL = 2 * time.Hour

// DefaultTTL is used when the caller passes a zero TTL
const DefaultTTL = 1 * time.Hour

// NotApplicableError means a signer cannot run in this environment at all,
// as opposed to having tried and failed
type NotApplicableError struct {
	Tier   string
	Reason string
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("signer %s not applicable: %s", e.Tier, e.Reason)
}

// IsNotApplicable reports whether err marks a signer as unavailable rather
// than broken
func IsNotApplicable(err error) bool {
	var na *NotApplicableError
	return errors.As(err, &na)
}

// ErrAllTiersFailed is returned when no signer in the chain produced a URL
var ErrAllTiersFailed = errors.New("all signing mechanisms failed")

// Signer is one mechanism for producing a signed URL
type Signer interface {
	Name() string
	Sign(ctx context.Context, ref models.AssetReference, ttl time.Duration) (string, error)
}

// Broker walks a chain of signers in order until one succeeds
type Broker struct {
	tiers  []Signer
	logger *logging.Logger
}

// NewBroker creates a broker over the given signer chain
func NewBroker(logger *logging.Logger, tiers ...Signer) *Broker {
	return &Broker{tiers: tiers, logger: logger}
}

// Sign returns a time-limited URL for the object. The TTL is clamped to
// MaxTTL. Every tier failure falls through to the next tier; when all tiers
// fail the error is returned and the object's visibility is never changed.
func (b *Broker) Sign(ctx context.Context, ref models.AssetReference, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	var lastErr error
	for _, tier := range b.tiers {
		url, err := tier.Sign(ctx, ref, ttl)
		if err == nil {
			b.logger.Debug("Signed URL issued", map[string]interface{}{
				"tier":   tier.Name(),
				"object": ref.URI(),
				"ttl":    ttl.String(),
			})
			return url, nil
		}

		if IsNotApplicable(err) {
			b.logger.Debug("Signer not applicable, trying next tier", map[string]interface{}{
				"tier":   tier.Name(),
				"reason": err.Error(),
			})
		} else {
			b.logger.Warn("Signer failed unexpectedly, trying next tier", map[string]interface{}{
				"tier":  tier.Name(),
				"error": err.Error(),
			})
		}
		lastErr = err
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrAllTiersFailed, lastErr)
	}
	return "", ErrAllTiersFailed
}
