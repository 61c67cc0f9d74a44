package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSecondCallFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(path)
	require.Error(t, err)
}

func TestAcquireReleaseThenReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}
