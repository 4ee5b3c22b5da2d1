package keyprovider

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvBackend_Get_UsesPrefixedUppercaseName(t *testing.T) {
	t.Setenv("OMIKUJI_POLYGON_MUMBAI", "0xabc")
	b := &EnvBackend{Prefix: "omikuji"}

	key, err := b.Get(context.Background(), "polygon-mumbai")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", key)
}

func TestEnvBackend_Get_FallsBackToUnprefixedSingleKey(t *testing.T) {
	os.Unsetenv("OMIKUJI")
	t.Setenv("OMIKUJI", "0xsingle")
	b := &EnvBackend{Prefix: "omikuji"}

	key, err := b.Get(context.Background(), "polygon")
	require.NoError(t, err)
	assert.Equal(t, "0xsingle", key)
}

func TestEnvBackend_Get_MissingVariableErrors(t *testing.T) {
	b := &EnvBackend{Prefix: "omikuji"}
	_, err := b.Get(context.Background(), "does-not-exist-network")
	assert.Error(t, err)
}

func TestEnvBackend_StoreAndRemove_Unsupported(t *testing.T) {
	b := &EnvBackend{Prefix: "omikuji"}
	assert.Error(t, b.Store(context.Background(), "polygon", "0xabc"))
	assert.Error(t, b.Remove(context.Background(), "polygon"))
	_, err := b.List(context.Background())
	assert.Error(t, err)
}
