package geoview

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearDataSync(t *testing.T, opts ResourceOptions) error {
	t.Helper()
	done := make(chan error, 1)
	ClearData(opts, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("clear data timed out")
		return nil
	}
}

func TestResourceCache_StoreLoad(t *testing.T) {
	opts := ResourceOptions{CachePath: t.TempDir(), AccessToken: "token"}
	cache, err := openResourceCache(opts)
	require.NoError(t, err)
	require.NotNil(t, cache)

	tile := CanonicalTileID{Z: 3, X: 4, Y: 2}
	rec, err := cache.load("poi", "", 7, tile)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, cache.store(&tileRecord{
		Source:   "poi",
		Digest:   7,
		Tile:     tile,
		Features: []string{"a", "b"},
	}))
	rec, err = cache.load("poi", "", 7, tile)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"a", "b"}, rec.Features)

	// a different digest is a different record
	rec, err = cache.load("poi", "", 8, tile)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestResourceCache_Disabled(t *testing.T) {
	cache, err := openResourceCache(ResourceOptions{})
	require.NoError(t, err)
	assert.Nil(t, cache)
}

func TestResourceCache_TokenNamespaces(t *testing.T) {
	root := t.TempDir()
	a := ResourceOptions{CachePath: root, AccessToken: "a"}
	b := ResourceOptions{CachePath: root, AccessToken: "b"}
	assert.NotEqual(t, a.dir(), b.dir())

	cacheA, err := openResourceCache(a)
	require.NoError(t, err)
	cacheB, err := openResourceCache(b)
	require.NoError(t, err)
	tile := CanonicalTileID{Z: 1}
	require.NoError(t, cacheA.store(&tileRecord{Source: "s", Tile: tile}))
	require.NoError(t, cacheB.store(&tileRecord{Source: "s", Tile: tile}))

	require.NoError(t, clearDataSync(t, a))
	rec, err := cacheA.load("s", "", 0, tile)
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = cacheB.load("s", "", 0, tile)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestClearData(t *testing.T) {
	opts := ResourceOptions{CachePath: t.TempDir()}
	cache, err := openResourceCache(opts)
	require.NoError(t, err)
	for i := uint32(0); i < 20; i++ {
		require.NoError(t, cache.store(&tileRecord{Source: "s", Tile: CanonicalTileID{Z: 5, X: i}}))
	}
	other := filepath.Join(opts.dir(), "keep.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	require.NoError(t, clearDataSync(t, opts))
	entries, err := os.ReadDir(opts.dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())

	// clearing twice and clearing a missing directory both succeed
	require.NoError(t, clearDataSync(t, opts))
	require.NoError(t, clearDataSync(t, ResourceOptions{CachePath: filepath.Join(t.TempDir(), "missing")}))
	assert.ErrorIs(t, clearDataSync(t, ResourceOptions{}), ErrInvalidRequest)
}

func TestEngine_PersistsTiles(t *testing.T) {
	opts := ResourceOptions{CachePath: t.TempDir(), AccessToken: "secret"}
	zero := uint64(0)
	e := newTestEngine(t, WithResourceOptions(opts), WithMemoryBudget(&MemoryBudget{Tiles: &zero}))
	setupPlaces(t, e)

	entries, err := os.ReadDir(opts.dir())
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// a second engine over the same data is served from disk
	other := newTestEngine(t, WithResourceOptions(opts))
	setupPlaces(t, other)
	res := queryRendered(t, other, PointQuery(ScreenCoordinate{X: 256, Y: 256}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"circles/a", "fills/b"}, renderedIDs(res.Value))

	require.NoError(t, clearDataSync(t, opts))
	entries, err = os.ReadDir(opts.dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
