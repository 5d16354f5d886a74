// Package credentials exposes the gateway through which the run executor
// resolves credential references to in-cluster Secret material. The storage
// backend is opaque to callers; this implementation keeps credential
// metadata in the document store.
package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

const secretNamePrefix = "mellea-cred-"

// Gateway resolves credential references for run submission.
type Gateway interface {
	// Resolve returns the key-value secret material for a credential.
	Resolve(ctx context.Context, credentialID string) (map[string]string, error)
	// SecretName returns the in-cluster Secret name backing a credential.
	SecretName(ctx context.Context, credentialID string) (string, error)
	// Validate fails when the credential is missing or expired.
	Validate(ctx context.Context, credentialID string) error
}

// StoreGateway is the document-store backed Gateway. Secrets are mounted
// into the run Job's namespace, so the gateway deals in names only.
type StoreGateway struct {
	creds *store.Collection[types.Credential]
}

func NewStoreGateway(creds *store.Collection[types.Credential]) *StoreGateway {
	return &StoreGateway{creds: creds}
}

func (g *StoreGateway) Resolve(ctx context.Context, credentialID string) (map[string]string, error) {
	cred, err := g.creds.Get(credentialID)
	if err != nil {
		return nil, errs.CredentialValidation(credentialID, "not found")
	}
	if expired(cred) {
		return nil, errs.CredentialValidation(credentialID, "expired")
	}
	return cred.Data, nil
}

func (g *StoreGateway) SecretName(ctx context.Context, credentialID string) (string, error) {
	cred, err := g.creds.Get(credentialID)
	if err != nil {
		return "", errs.CredentialValidation(credentialID, "not found")
	}
	if cred.SecretName != "" {
		return cred.SecretName, nil
	}
	return DefaultSecretName(credentialID), nil
}

func (g *StoreGateway) Validate(ctx context.Context, credentialID string) error {
	cred, err := g.creds.Get(credentialID)
	if err != nil {
		return errs.CredentialValidation(credentialID, "not found")
	}
	if expired(cred) {
		return errs.CredentialValidation(credentialID, "expired")
	}
	return nil
}

// DefaultSecretName computes the deterministic Secret name for a credential id.
func DefaultSecretName(credentialID string) string {
	id := strings.ToLower(credentialID)
	if len(id) > 8 {
		id = id[:8]
	}
	return secretNamePrefix + id
}

func expired(cred types.Credential) bool {
	return cred.ExpiresAt != nil && cred.ExpiresAt.Before(time.Now().UTC())
}
