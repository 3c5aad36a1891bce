package signing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

// stubSigner records the TTL it was asked for and returns a canned result
type stubSigner struct {
	name    string
	url     string
	err     error
	calls   int
	lastTTL time.Duration
}

func (s *stubSigner) Name() string { return s.name }

func (s *stubSigner) Sign(ctx context.Context, ref models.AssetReference, ttl time.Duration) (string, error) {
	s.calls++
	s.lastTTL = ttl
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ERROR, false)
}

func testRef() models.AssetReference {
	return models.AssetReference{Bucket: "outputs", Key: "rendered/job-1.mp4"}
}

func TestBrokerFallsThroughNotApplicable(t *testing.T) {
	tier1 := &stubSigner{name: "ambient", err: &NotApplicableError{Tier: "ambient", Reason: "no key material"}}
	tier2 := &stubSigner{name: "iam", url: "https://signed.example/job-1"}
	tier3 := &stubSigner{name: "keyfile", url: "https://unused.example"}

	b := NewBroker(testLogger(), tier1, tier2, tier3)
	url, err := b.Sign(context.Background(), testRef(), time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if url != "https://signed.example/job-1" {
		t.Errorf("Unexpected URL: %s", url)
	}
	if tier3.calls != 0 {
		t.Error("Later tier called after success")
	}
}

func TestBrokerFallsThroughUnexpectedFailure(t *testing.T) {
	// A tier that exists but breaks must not stop the chain
	tier1 := &stubSigner{name: "ambient", err: errors.New("rpc deadline exceeded")}
	tier2 := &stubSigner{name: "iam", url: "https://signed.example/job-1"}

	b := NewBroker(testLogger(), tier1, tier2)
	url, err := b.Sign(context.Background(), testRef(), time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if url == "" {
		t.Error("Expected URL from second tier")
	}
	if tier1.calls != 1 || tier2.calls != 1 {
		t.Errorf("Unexpected call counts: %d, %d", tier1.calls, tier2.calls)
	}
}

func TestBrokerAllTiersFailed(t *testing.T) {
	tier1 := &stubSigner{name: "ambient", err: &NotApplicableError{Tier: "ambient", Reason: "no key material"}}
	tier2 := &stubSigner{name: "iam", err: errors.New("permission denied")}

	b := NewBroker(testLogger(), tier1, tier2)
	url, err := b.Sign(context.Background(), testRef(), time.Hour)
	if err == nil {
		t.Fatal("Expected error when every tier fails")
	}
	if !errors.Is(err, ErrAllTiersFailed) {
		t.Errorf("Expected ErrAllTiersFailed, got %v", err)
	}
	if url != "" {
		t.Errorf("Expected empty URL, got %s", url)
	}
}

func TestBrokerClampsTTL(t *testing.T) {
	tier := &stubSigner{name: "ambient", url: "https://signed.example/x"}
	b := NewBroker(testLogger(), tier)

	if _, err := b.Sign(context.Background(), testRef(), 24*time.Hour); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if tier.lastTTL != MaxTTL {
		t.Errorf("TTL not clamped: %s", tier.lastTTL)
	}

	if _, err := b.Sign(context.Background(), testRef(), 0); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if tier.lastTTL != DefaultTTL {
		t.Errorf("Zero TTL not defaulted: %s", tier.lastTTL)
	}
}

func TestIsNotApplicable(t *testing.T) {
	na := &NotApplicableError{Tier: "keyfile", Reason: "no path configured"}
	if !IsNotApplicable(na) {
		t.Error("Direct NotApplicableError not recognized")
	}
	wrapped := errors.New("plain failure")
	if IsNotApplicable(wrapped) {
		t.Error("Plain error misclassified as not applicable")
	}
}
