package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.ini")

	st := &State{
		Relay:  RelaySettings{IP: "203.0.113.5", Port: 21116, ServerID: 0xAABBCCDD},
		Client: ClientSettings{ServerID: 42, LastPartnerID: 7, LastDirectPartnerID: 9},
	}
	require.NoError(t, st.Save(path))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	require.Equal(t, st, loaded)
}

func TestLoadStateMissingFileIsZeroValue(t *testing.T) {
	st, err := LoadState(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.NoError(t, err)
	require.Equal(t, &State{}, st)
}
