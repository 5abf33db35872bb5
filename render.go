package geoview

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultTileLoaders = 8

// renderInput is the part of the engine state a frame is built from.
type renderInput struct {
	camera  Camera
	size    Size
	layers  []*compiledLayer
	sources map[string]*sourceData
}

// Render rebuilds the rendered frame for the current camera and swaps it
// in. Queries running concurrently keep reading the previous frame.
func (e *Engine) Render(ctx context.Context) (*Frame, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.renderMu.Lock()
	defer e.renderMu.Unlock()

	startTime := time.Now()
	frame, err := e.buildFrame(ctx, e.renderInput())
	if err != nil {
		e.logger.Warn("render failed", zap.Error(err))
		return nil, err
	}
	e.frame.Store(frame)
	e.stats.IncrRenders()
	e.logger.Debug("frame rendered",
		zap.Stringer("camera", frame.camera),
		zap.Int("features", frame.Len()),
		zap.Duration("took", time.Since(startTime)))
	return frame, nil
}

// Frame returns the last rendered frame or nil.
func (e *Engine) Frame() *Frame {
	return e.frame.Load()
}

func (e *Engine) renderInput() renderInput {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in := renderInput{
		camera:  e.camera,
		size:    e.size,
		layers:  make([]*compiledLayer, len(e.layers)),
		sources: make(map[string]*sourceData, len(e.sources)),
	}
	copy(in.layers, e.layers)
	for id, src := range e.sources {
		in.sources[id] = src
	}
	return in
}

func (e *Engine) buildFrame(ctx context.Context, in renderInput) (*Frame, error) {
	frame := newFrame(in.camera, in.size)
	if !in.size.valid() {
		return frame, nil
	}
	proj := newProjector(in.camera, in.size)
	zoom := in.camera.Zoom
	for _, layer := range in.layers {
		if !layer.visibleAt(zoom) {
			continue
		}
		src, ok := in.sources[layer.Source]
		if !ok {
			continue
		}
		tiles := TileCover(src.tileCoverOptions(), in.camera, in.size)
		items, err := e.loadTiles(ctx, src, layer.SourceLayer, tiles)
		if err != nil {
			return nil, err
		}
		tolerance := layer.tolerance()
		for _, f := range src.cluster(items, zoom) {
			if !layer.filter.Match(f, zoom) {
				continue
			}
			shapePad, queryPad := 0.0, tolerance
			if f.isPoint() && (layer.Type == LayerTypeCircle || layer.Type == LayerTypeSymbol) {
				shapePad, queryPad = tolerance, 0
			}
			shapes := projectObject(proj, f.Geometry, shapePad)
			bound, ok := unionRect(shapes)
			if !ok {
				continue
			}
			frame.insert(&renderedFeature{
				layer:       layer,
				source:      src.ID,
				sourceLayer: layer.SourceLayer,
				feature:     f,
				shapes:      shapes,
				bound:       bound,
				queryPad:    queryPad,
			})
		}
	}
	return frame, nil
}

// loadTiles collects the features of a source layer that fall into the
// tiles, deduplicated and in insertion order.
func (e *Engine) loadTiles(ctx context.Context, src *sourceData, sourceLayer string, tiles []CanonicalTileID) ([]*indexedFeature, error) {
	revision := src.currentRevision()
	digest := src.layerDigest(sourceLayer)
	buckets := make([][]*indexedFeature, len(tiles))

	sem := semaphore.NewWeighted(int64(e.tileLoaders))
	g, gctx := errgroup.WithContext(ctx)
	for i, tile := range tiles {
		i, tile := i, tile
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			buckets[i] = e.loadTile(src, sourceLayer, revision, digest, tile)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[*indexedFeature]struct{})
	var items []*indexedFeature
	for _, bucket := range buckets {
		for _, item := range bucket {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			items = append(items, item)
		}
	}
	sortIndexed(items)
	return items, nil
}

func (e *Engine) loadTile(src *sourceData, sourceLayer string, revision, digest uint64, tile CanonicalTileID) []*indexedFeature {
	key := tileKey{source: src.ID, sourceLayer: sourceLayer, revision: revision, tile: tile}
	if items, ok := e.cache.get(key); ok {
		return items
	}
	items, ok := e.loadPersistedTile(src, sourceLayer, digest, tile)
	if !ok {
		items = src.search(tile.Bound(), sourceLayer)
		e.persistTile(src, sourceLayer, digest, tile, items)
	}
	if !e.cache.disabled() {
		e.cache.add(key, items)
	}
	return items
}

func (e *Engine) loadPersistedTile(src *sourceData, sourceLayer string, digest uint64, tile CanonicalTileID) ([]*indexedFeature, bool) {
	if e.resources == nil {
		return nil, false
	}
	rec, err := e.resources.load(src.ID, sourceLayer, digest, tile)
	if err != nil {
		e.logger.Warn("resource cache read failed", zap.String("tile", tile.String()), zap.Error(err))
		return nil, false
	}
	if rec == nil {
		return nil, false
	}
	items := make([]*indexedFeature, 0, len(rec.Features))
	for _, id := range rec.Features {
		item, ok := src.indexed(sourceLayer, id)
		if !ok {
			return nil, false
		}
		items = append(items, item)
	}
	return items, true
}

func (e *Engine) persistTile(src *sourceData, sourceLayer string, digest uint64, tile CanonicalTileID, items []*indexedFeature) {
	if e.resources == nil {
		return
	}
	rec := &tileRecord{
		Source:      src.ID,
		SourceLayer: sourceLayer,
		Digest:      digest,
		Tile:        tile,
		Features:    make([]string, len(items)),
	}
	for i, item := range items {
		rec.Features[i] = item.feature.ID
	}
	if err := e.resources.store(rec); err != nil {
		e.logger.Warn("resource cache write failed", zap.String("tile", tile.String()), zap.Error(err))
	}
}
