package keyoracle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalOracleConvergent(t *testing.T) {
	o := NewLocalOracle([]byte("secret"))

	fp := [32]byte{1, 2, 3}
	k1, err := o.DeriveKey(fp)
	require.NoError(t, err)
	k2, err := o.DeriveKey(fp)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "same fingerprint must always derive the same key")

	other := [32]byte{4, 5, 6}
	k3, err := o.DeriveKey(other)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	// A different secret yields a different key space.
	k4, err := NewLocalOracle([]byte("other-secret")).DeriveKey(fp)
	require.NoError(t, err)
	require.NotEqual(t, k1, k4)
}

func TestTEDOracleSmoothing(t *testing.T) {
	const threshold = 4
	o := NewTEDOracle([]byte("secret"), threshold)
	fp := [32]byte{9}

	// Below the threshold every request shares epoch zero.
	first, err := o.DeriveKey(fp)
	require.NoError(t, err)
	for i := 1; i < threshold; i++ {
		k, err := o.DeriveKey(fp)
		require.NoError(t, err)
		require.Equal(t, first, k, "request %d should still be in epoch 0", i)
	}

	// Crossing the threshold advances the epoch and rotates the key.
	rotated, err := o.DeriveKey(fp)
	require.NoError(t, err)
	require.NotEqual(t, first, rotated)
}

func TestTEDOracleIndependentFingerprints(t *testing.T) {
	o := NewTEDOracle([]byte("secret"), 2)
	a := [32]byte{1}
	b := [32]byte{2}

	ka, err := o.DeriveKey(a)
	require.NoError(t, err)
	kb, err := o.DeriveKey(b)
	require.NoError(t, err)
	require.NotEqual(t, ka, kb)

	// Driving a past its threshold must not affect b's epoch.
	_, err = o.DeriveKey(a)
	require.NoError(t, err)
	_, err = o.DeriveKey(a)
	require.NoError(t, err)

	kb2, err := o.DeriveKey(b)
	require.NoError(t, err)
	require.Equal(t, kb, kb2)
}
