package go_castkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	var state AppState
	require.NoError(t, state.Read(dir))
	assert.Empty(t, state.ControllerId)
	assert.NotNil(t, state.PairingTokens)

	state.ControllerId = "ctrl-1"
	state.DeviceCache = []byte{0xa1, 0x01}
	state.PairingTokens[PairingTokenKey("uuid:tv", "ssap")] = "client-key"
	require.NoError(t, state.Write())

	var read AppState
	require.NoError(t, read.Read(dir))
	assert.Equal(t, "ctrl-1", read.ControllerId)
	assert.Equal(t, []byte{0xa1, 0x01}, read.DeviceCache)
	assert.Equal(t, "client-key", read.PairingTokens["uuid:tv|ssap"])

	// no temporary files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestAppStateCorrupted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o600))

	var state AppState
	assert.Error(t, state.Read(dir))
}
