package policy_test

import (
	"testing"

	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadUsesDefaultsOnFirstBoot(t *testing.T) {
	store := openTestStore(t)

	p, err := policy.Load(store, true, false)
	require.NoError(t, err)
	assert.True(t, p.RestrictedMode())
	assert.False(t, p.ValidateSignatures())
}

func TestSetRestrictedModePersists(t *testing.T) {
	store := openTestStore(t)

	p, err := policy.Load(store, false, false)
	require.NoError(t, err)

	require.NoError(t, p.SetRestrictedMode(true))
	assert.True(t, p.RestrictedMode())

	// a fresh Load against the same store should observe the persisted value
	reloaded, err := policy.Load(store, false, false)
	require.NoError(t, err)
	assert.True(t, reloaded.RestrictedMode())
}

func TestSetValidateSignaturesPersists(t *testing.T) {
	store := openTestStore(t)

	p, err := policy.Load(store, false, false)
	require.NoError(t, err)

	require.NoError(t, p.SetValidateSignatures(true))
	assert.True(t, p.ValidateSignatures())

	reloaded, err := policy.Load(store, false, false)
	require.NoError(t, err)
	assert.True(t, reloaded.ValidateSignatures())
}
