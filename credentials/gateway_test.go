package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

func newGateway(t *testing.T, creds ...types.Credential) *StoreGateway {
	t.Helper()
	coll, err := store.Open[types.Credential](t.TempDir(), "credentials.json", "credentials")
	require.NoError(t, err)
	for _, c := range creds {
		require.NoError(t, coll.Create(c))
	}
	return NewStoreGateway(coll)
}

func TestResolveReturnsData(t *testing.T) {
	g := newGateway(t, types.Credential{
		ID:      "cred-1",
		OwnerID: "user-1",
		Name:    "openai",
		Data:    map[string]string{"OPENAI_API_KEY": "sk-test"},
	})

	data, err := g.Resolve(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", data["OPENAI_API_KEY"])
}

func TestResolveMissingCredential(t *testing.T) {
	g := newGateway(t)
	_, err := g.Resolve(context.Background(), "nope")
	assert.True(t, errs.IsKind(err, errs.KindCredentialValidation))
}

func TestValidateRejectsExpired(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	g := newGateway(t, types.Credential{ID: "cred-old", ExpiresAt: &past})

	err := g.Validate(context.Background(), "cred-old")
	assert.True(t, errs.IsKind(err, errs.KindCredentialValidation))
}

func TestValidateAcceptsUnexpired(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	g := newGateway(t, types.Credential{ID: "cred-new", ExpiresAt: &future})

	assert.NoError(t, g.Validate(context.Background(), "cred-new"))
}

func TestSecretNamePrefersStoredName(t *testing.T) {
	g := newGateway(t,
		types.Credential{ID: "cred-a", SecretName: "custom-secret"},
		types.Credential{ID: "CRED12345678", SecretName: ""},
	)

	name, err := g.SecretName(context.Background(), "cred-a")
	require.NoError(t, err)
	assert.Equal(t, "custom-secret", name)

	name, err = g.SecretName(context.Background(), "CRED12345678")
	require.NoError(t, err)
	assert.Equal(t, "mellea-cred-cred1234", name)
}
