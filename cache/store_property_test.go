package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/petal-labs/toolcatalog/manifest"
)

func TestPutThenGetHashesPayloadProperty(t *testing.T) {
	store, err := NewStore(Config{Root: filepath.Join(t.TempDir(), "cache")})
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[a-z][a-z0-9-]{0,15}`).Draw(t, "id")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")
		version := rapid.StringMatching(`[0-9]{1,3}\.[0-9]{1,3}`).Draw(t, "version")

		_, err := store.Put(id, payload, version)
		require.NoError(t, err)

		entry, ok, err := store.Get(id)
		require.NoError(t, err)
		require.True(t, ok)

		sum := sha256.Sum256(payload)
		assert.Equal(t, hex.EncodeToString(sum[:]), entry.ContentHash)
		assert.Equal(t, version, entry.Version)
	})
}

func TestIsStaleIffVersionsDifferProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cached := rapid.StringMatching(`[0-9a-z.]{1,8}`).Draw(t, "cached")
		current := rapid.StringMatching(`[0-9a-z.]{1,8}`).Draw(t, "current")

		stale := IsStale(Entry{ToolID: "a", Version: cached}, manifest.ToolDescriptor{ID: "a", Version: current})
		assert.Equal(t, cached != current, stale)
	})
}
