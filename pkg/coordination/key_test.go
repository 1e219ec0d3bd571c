package coordination_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autonode/pkg/coordination"
)

type fixedKey uint64

func (k fixedKey) ClaimKey() uint64 { return uint64(k) }

func TestKey_DeterministicForEqualContent(t *testing.T) {
	a := job{Name: "sync", Args: map[string]string{"from": "eu", "to": "us", "mode": "full"}}
	b := job{Name: "sync", Args: map[string]string{"mode": "full", "to": "us", "from": "eu"}}

	ka, err := coordination.Key(a)
	require.NoError(t, err)
	kb, err := coordination.Key(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	kc, err := coordination.Key(job{Name: "sync", Args: map[string]string{"from": "eu"}})
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}

func TestKey_KeyerOverridesHash(t *testing.T) {
	k, err := coordination.Key(fixedKey(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), k)
}

func TestKey_UnencodableValue(t *testing.T) {
	_, err := coordination.Key(make(chan int))
	assert.Error(t, err)
}
