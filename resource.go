package geoview

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mmadfox/geoview/internal/hash"
)

const (
	tileRecordExt       = ".tile"
	clearDataWorkers    = 8
	resourceDirFileMode = 0o755
)

// ResourceOptions configures the persisted resource cache. Records are
// namespaced by access token under CachePath.
type ResourceOptions struct {
	CachePath   string `json:"cachePath" yaml:"cachePath"`
	AccessToken string `json:"accessToken" yaml:"accessToken"`
}

func (o ResourceOptions) dir() string {
	return filepath.Join(o.CachePath, fmt.Sprintf("%016x", hash.StringToUint64(o.AccessToken)))
}

type tileRecord struct {
	Source      string          `msgpack:"source"`
	SourceLayer string          `msgpack:"sourceLayer"`
	Digest      uint64          `msgpack:"digest"`
	Tile        CanonicalTileID `msgpack:"tile"`
	Features    []string        `msgpack:"features"`
}

// resourceCache persists the feature ids of each tile so that a tile
// cache miss does not have to go through the source index again.
type resourceCache struct {
	dir string
}

// openResourceCache returns nil when no cache path is configured.
func openResourceCache(opts ResourceOptions) (*resourceCache, error) {
	if len(opts.CachePath) == 0 {
		return nil, nil
	}
	dir := opts.dir()
	if err := os.MkdirAll(dir, resourceDirFileMode); err != nil {
		return nil, fmt.Errorf("geoview/resource: %w", err)
	}
	return &resourceCache{dir: dir}, nil
}

func (r *resourceCache) path(source, sourceLayer string, digest uint64, tile CanonicalTileID) string {
	name := hash.Strings(source, sourceLayer, fmt.Sprintf("%016x", digest), tile.String())
	return filepath.Join(r.dir, fmt.Sprintf("%016x%s", name, tileRecordExt))
}

// load returns nil, nil when the tile is not cached.
func (r *resourceCache) load(source, sourceLayer string, digest uint64, tile CanonicalTileID) (*tileRecord, error) {
	data, err := os.ReadFile(r.path(source, sourceLayer, digest, tile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := new(tileRecord)
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("geoview/resource: decode %s: %w", tile, err)
	}
	if rec.Source != source || rec.SourceLayer != sourceLayer || rec.Digest != digest || rec.Tile != tile {
		return nil, nil
	}
	return rec, nil
}

func (r *resourceCache) store(rec *tileRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	path := r.path(rec.Source, rec.SourceLayer, rec.Digest, rec.Tile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ClearData deletes every persisted record for the resource options.
// It runs in the background and reports the outcome once through cb.
func ClearData(opts ResourceOptions, cb func(error)) {
	go func() {
		err := clearData(opts)
		if cb != nil {
			cb(err)
		}
	}()
}

func clearData(opts ResourceOptions) error {
	if len(opts.CachePath) == 0 {
		return invalidf("resource", "cache path not specified")
	}
	dir := opts.dir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("geoview/resource: %w", err)
	}
	var g errgroup.Group
	g.SetLimit(clearDataWorkers)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, tileRecordExt) {
			continue
		}
		path := filepath.Join(dir, name)
		g.Go(func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("geoview/resource: %w", err)
	}
	return nil
}
