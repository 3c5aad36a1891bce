package signing

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	iamcredentials "google.golang.org/api/iamcredentials/v1"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

// identitySentinel is the placeholder account name some credential providers
// report instead of a concrete principal. It cannot be used with the remote
// signing API and must be resolved to a real email first.
const identitySentinel = "default"

// AmbientKeySigner signs locally with the ambient default credentials.
// Only works when those credentials include an exportable private key,
// which is the usual case outside managed compute.
type AmbientKeySigner struct{}

func (s *AmbientKeySigner) Name() string { return "ambient-key" }

func (s *AmbientKeySigner) Sign(ctx context.Context, ref models.AssetReference, ttl time.Duration) (string, error) {
	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadOnly)
	if err != nil {
		return "", &NotApplicableError{Tier: s.Name(), Reason: "no ambient credentials"}
	}
	if len(creds.JSON) == 0 {
		// Metadata-issued credentials carry no key material
		return "", &NotApplicableError{Tier: s.Name(), Reason: "ambient credentials carry no key"}
	}

	conf, err := google.JWTConfigFromJSON(creds.JSON)
	if err != nil || len(conf.PrivateKey) == 0 {
		return "", &NotApplicableError{Tier: s.Name(), Reason: "ambient credentials are not a service account key"}
	}

	url, err := storage.SignedURL(ref.Bucket, ref.Key, &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		GoogleAccessID: conf.Email,
		PrivateKey:     conf.PrivateKey,
		Expires:        time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("local signing failed: %w", err)
	}
	return url, nil
}

// IAMSigner signs via the remote sign-blob API using the resolved service
// identity. This is the path inside managed compute where the runtime
// identity has no local key but holds self-signing delegation rights.
type IAMSigner struct {
	// OverrideEmail, when set, skips identity resolution entirely
	OverrideEmail string
}

func (s *IAMSigner) Name() string { return "iam-signblob" }

// resolveIdentity returns the concrete service account email to sign as
func (s *IAMSigner) resolveIdentity(ctx context.Context) (string, error) {
	if s.OverrideEmail != "" && s.OverrideEmail != identitySentinel {
		return s.OverrideEmail, nil
	}

	if !metadata.OnGCE() {
		return "", &NotApplicableError{Tier: s.Name(), Reason: "no metadata server and no identity override"}
	}

	email, err := metadata.EmailWithContext(ctx, "default")
	if err != nil {
		return "", fmt.Errorf("identity lookup failed: %w", err)
	}
	if email == "" || email == identitySentinel {
		return "", &NotApplicableError{Tier: s.Name(), Reason: "metadata server returned an unresolved identity"}
	}
	return email, nil
}

func (s *IAMSigner) Sign(ctx context.Context, ref models.AssetReference, ttl time.Duration) (string, error) {
	email, err := s.resolveIdentity(ctx)
	if err != nil {
		return "", err
	}

	svc, err := iamcredentials.NewService(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create iamcredentials client: %w", err)
	}

	name := "projects/-/serviceAccounts/" + email
	url, err := storage.SignedURL(ref.Bucket, ref.Key, &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		GoogleAccessID: email,
		Expires:        time.Now().Add(ttl),
		SignBytes: func(payload []byte) ([]byte, error) {
			req := &iamcredentials.SignBlobRequest{
				Payload: base64.StdEncoding.EncodeToString(payload),
			}
			resp, err := svc.Projects.ServiceAccounts.SignBlob(name, req).Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("remote sign-blob failed for %s: %w", email, err)
			}
			return base64.StdEncoding.DecodeString(resp.SignedBlob)
		},
	})
	if err != nil {
		return "", fmt.Errorf("iam signing failed: %w", err)
	}
	return url, nil
}

// KeyFileSigner signs with an explicit service account key file. Intended
// for local development where neither ambient keys nor a metadata server
// exist.
type KeyFileSigner struct {
	// Path to a service account JSON key file
	Path string
}

func (s *KeyFileSigner) Name() string { return "key-file" }

func (s *KeyFileSigner) Sign(ctx context.Context, ref models.AssetReference, ttl time.Duration) (string, error) {
	if s.Path == "" {
		return "", &NotApplicableError{Tier: s.Name(), Reason: "no credential file configured"}
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read credential file %s: %w", s.Path, err)
	}

	conf, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return "", fmt.Errorf("credential file %s is not a service account key: %w", s.Path, err)
	}

	url, err := storage.SignedURL(ref.Bucket, ref.Key, &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		GoogleAccessID: conf.Email,
		PrivateKey:     conf.PrivateKey,
		Expires:        time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("key file signing failed: %w", err)
	}
	return url, nil
}

// NewDefaultBroker builds the standard three-tier chain. overrideEmail and
// keyFile come from the environment and may be empty.
func NewDefaultBroker(logger *logging.Logger, overrideEmail, keyFile string) *Broker {
	return NewBroker(logger,
		&AmbientKeySigner{},
		&IAMSigner{OverrideEmail: overrideEmail},
		&KeyFileSigner{Path: keyFile},
	)
}
