package geoview

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/tidwall/geojson/geometry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	kindQueryRendered  = "query.rendered"
	kindQuerySource    = "query.source"
	kindQueryExtension = "query.extension"
	kindStateGet       = "state.get"
)

// Engine coordinates feature queries, feature state and view annotations
// over a set of sources painted by style layers.
//
// Asynchronous methods return a *Cancelable and deliver exactly one
// Result to the callback. Callbacks run one at a time on a goroutine
// owned by the engine.
type Engine struct {
	mu       sync.RWMutex
	renderMu sync.Mutex
	closed   int32

	sources map[string]*sourceData
	layers  []*compiledLayer
	camera  Camera
	size    Size
	frame   atomic.Pointer[Frame]

	states      *featureStates
	annotations *annotationManager
	extensions  *extensionRegistry
	filters     *filterCompiler
	cache       *tileCache
	resources   *resourceCache
	coordinator *coordinator
	mailbox     *mailbox
	stats       *StatsCollector
	logger      *zap.Logger

	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	workers         int
	queueSize       int
	tileLoaders     int
	resourceOptions ResourceOptions
	initialBudget   *MemoryBudget
}

func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		sources:        make(map[string]*sourceData),
		logger:         zap.NewNop(),
		meterProvider:  noopmetric.NewMeterProvider(),
		tracerProvider: nooptrace.NewTracerProvider(),
		tileLoaders:    defaultTileLoaders,
		stats:          NewStatsCollector(),
	}
	for _, f := range opts {
		f(e)
	}
	if !validLonLat(e.camera.Center) || !isFinite(e.camera.Zoom) ||
		!isFinite(e.camera.Bearing) || !isFinite(e.camera.Pitch) {
		return nil, invalidf("engine", "malformed camera %v", e.camera)
	}
	e.camera.Zoom = clampZoom(e.camera.Zoom)

	filters, err := newFilterCompiler()
	if err != nil {
		return nil, fmt.Errorf("geoview/engine: %w", err)
	}
	e.filters = filters
	e.resources, err = openResourceCache(e.resourceOptions)
	if err != nil {
		return nil, err
	}
	e.cache = newTileCache()
	if err := e.cache.setBudget(e.initialBudget.clone()); err != nil {
		return nil, err
	}
	e.mailbox = newMailbox(e.logger)
	e.coordinator, err = newCoordinator(coordinatorConfig{
		workers:   e.workers,
		queueSize: e.queueSize,
		logger:    e.logger,
		meter:     e.meterProvider,
		tracer:    e.tracerProvider,
		stats:     e.stats,
	}, e.mailbox)
	if err != nil {
		e.mailbox.close()
		return nil, err
	}
	e.states = newFeatureStates()
	e.extensions = newExtensionRegistry()
	e.annotations = newAnnotationManager(e.resolveAnchor, e.mailbox, e.stats)
	e.annotations.setView(e.camera, e.size)
	return e, nil
}

func (e *Engine) checkOpen() error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return fmt.Errorf("geoview/engine: %w - engine closed", ErrUpstreamUnavailable)
	}
	return nil
}

// Close stops the workers. Pending requests fail with
// ErrUpstreamUnavailable. Close must not be called from a callback.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.coordinator.close()
	e.mailbox.close()
	e.logger.Info("engine closed", zap.Uint64("tasks", e.stats.Stats().Tasks))
	return nil
}

func (e *Engine) Stats() Stats {
	return e.stats.Stats()
}

// ResetStats zeroes the request counters and returns the values they
// held.
func (e *Engine) ResetStats() Stats {
	stats := e.stats.Stats()
	e.stats.Reset()
	return stats
}

// refresh re-renders after a change of sources or layers and lets the
// annotations follow their anchor features.
func (e *Engine) refresh() {
	if _, err := e.Render(context.Background()); err != nil {
		e.logger.Warn("refresh failed", zap.Error(err))
	}
	e.annotations.refresh()
}

func (e *Engine) AddSource(s Source) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := s.validate(); err != nil {
		return err
	}
	if s.Cluster != nil {
		c := *s.Cluster
		s.Cluster = &c
	}
	e.mu.Lock()
	if _, ok := e.sources[s.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("geoview/source: %w - %s", ErrAlreadyExists, s.ID)
	}
	e.sources[s.ID] = newSourceData(s)
	e.mu.Unlock()
	e.stats.IncrSources()
	e.logger.Info("source added", zap.String("id", s.ID), zap.String("type", string(s.Type)))
	return nil
}

// RemoveSource removes the source with its features and feature state.
// Layers still painting the source must be removed first.
func (e *Engine) RemoveSource(id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	if _, ok := e.sources[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("geoview/source: %w - %s", ErrSourceNotFound, id)
	}
	for _, l := range e.layers {
		if l.Source == id {
			e.mu.Unlock()
			return invalidf("source", "%s is used by layer %s", id, l.ID)
		}
	}
	delete(e.sources, id)
	e.mu.Unlock()

	purged := e.states.removeSource(id)
	e.cache.purgeSource(id)
	e.stats.DecrSources()
	e.logger.Info("source removed", zap.String("id", id), zap.Int("states", purged))
	e.refresh()
	return nil
}

func (e *Engine) Sources() []Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Source, 0, len(e.sources))
	for _, src := range e.sources {
		out = append(out, src.Source)
	}
	return out
}

func (e *Engine) source(id string) (*sourceData, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src, ok := e.sources[id]
	if !ok {
		return nil, fmt.Errorf("geoview/source: %w - %s", ErrSourceNotFound, id)
	}
	return src, nil
}

// SetSourceFeatures replaces the features of a source layer. GeoJSON
// sources take an empty source layer.
func (e *Engine) SetSourceFeatures(sourceID, sourceLayer string, features []*Feature) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	src, err := e.source(sourceID)
	if err != nil {
		return err
	}
	if err := src.setFeatures(sourceLayer, features); err != nil {
		return err
	}
	e.logger.Debug("source data updated",
		zap.String("id", sourceID),
		zap.String("sourceLayer", sourceLayer),
		zap.Int("features", len(features)))
	e.refresh()
	return nil
}

// SetSourceData decodes GeoJSON data and replaces the features of a
// source layer with it.
func (e *Engine) SetSourceData(sourceID, sourceLayer string, data []byte) error {
	features, err := DecodeFeatures(data)
	if err != nil {
		return err
	}
	return e.SetSourceFeatures(sourceID, sourceLayer, features)
}

func (e *Engine) AddLayer(l Layer) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := l.validate(); err != nil {
		return err
	}
	filter, err := e.filters.compile(l.Filter)
	if err != nil {
		return err
	}
	e.mu.Lock()
	src, ok := e.sources[l.Source]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("geoview/layer: %w - %s", ErrSourceNotFound, l.Source)
	}
	if src.Type == SourceTypeVector && len(l.SourceLayer) == 0 {
		e.mu.Unlock()
		return invalidf("layer", "%s: vector source requires a source layer", l.ID)
	}
	if src.Type == SourceTypeGeoJSON && len(l.SourceLayer) > 0 {
		e.mu.Unlock()
		return invalidf("layer", "%s: geojson sources have no source layers", l.ID)
	}
	for _, existing := range e.layers {
		if existing.ID == l.ID {
			e.mu.Unlock()
			return fmt.Errorf("geoview/layer: %w - %s", ErrAlreadyExists, l.ID)
		}
	}
	e.layers = append(e.layers, &compiledLayer{Layer: l, filter: filter, order: len(e.layers)})
	e.mu.Unlock()
	e.stats.IncrLayers()
	e.logger.Info("layer added", zap.String("id", l.ID), zap.String("source", l.Source))
	e.refresh()
	return nil
}

func (e *Engine) RemoveLayer(id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	index := -1
	for i, l := range e.layers {
		if l.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		e.mu.Unlock()
		return fmt.Errorf("geoview/layer: %w - %s", ErrLayerNotFound, id)
	}
	layers := make([]*compiledLayer, 0, len(e.layers)-1)
	layers = append(layers, e.layers[:index]...)
	layers = append(layers, e.layers[index+1:]...)
	e.layers = layers
	e.mu.Unlock()
	e.stats.DecrLayers()
	e.refresh()
	return nil
}

// Layers returns the style layers in paint order, bottom first.
func (e *Engine) Layers() []Layer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Layer, len(e.layers))
	for i, l := range e.layers {
		out[i] = l.Layer
	}
	return out
}

func (e *Engine) Camera() Camera {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.camera
}

func (e *Engine) Size() Size {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// SetCamera applies the options over the current camera, renders a new
// frame and repositions the view annotations. Invalid options leave the
// camera untouched.
func (e *Engine) SetCamera(opts CameraOptions) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	camera, err := opts.apply(e.camera)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.camera = camera
	size := e.size
	e.mu.Unlock()
	e.viewChanged(camera, size)
	return nil
}

func (e *Engine) SetSize(s Size) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if !s.valid() {
		return invalidf("engine", "malformed size %vx%v", s.Width, s.Height)
	}
	e.mu.Lock()
	e.size = s
	camera := e.camera
	e.mu.Unlock()
	e.viewChanged(camera, s)
	return nil
}

func (e *Engine) viewChanged(camera Camera, size Size) {
	if _, err := e.Render(context.Background()); err != nil {
		e.logger.Warn("render failed", zap.Error(err))
	}
	e.annotations.setView(camera, size)
}

// TileCover returns the tiles covering the viewport for the current
// camera, or for the current camera with opts applied.
func (e *Engine) TileCover(opts TileCoverOptions, camera *CameraOptions) ([]CanonicalTileID, error) {
	e.mu.RLock()
	current, size := e.camera, e.size
	e.mu.RUnlock()
	c, err := camera.apply(current)
	if err != nil {
		return nil, err
	}
	return TileCover(opts, c, size), nil
}

// QueryRenderedFeatures returns the painted features intersecting the
// geometry, topmost first.
func (e *Engine) QueryRenderedFeatures(geom RenderedQueryGeometry, opts RenderedQueryOptions, cb func(Result[[]QueriedRenderedFeature])) *Cancelable {
	geom = geom.clone()
	opts = opts.clone()
	if err := geom.validate(); err != nil {
		return reject(e.coordinator, kindQueryRendered, err, cb)
	}
	filter, err := e.filters.compile(opts.Filter)
	if err != nil {
		return reject(e.coordinator, kindQueryRendered, err, cb)
	}
	layers, err := e.layerSet(opts.LayerIDs)
	if err != nil {
		return reject(e.coordinator, kindQueryRendered, err, cb)
	}
	q := renderedQuery{geometry: geom.normalized(), layers: layers, filter: filter}
	return submit(e.coordinator, kindQueryRendered, func(ctx context.Context) ([]QueriedRenderedFeature, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return q.run(e.frame.Load(), e.states), nil
	}, cb)
}

// Deprecated: use QueryRenderedFeatures with ShapeQuery.
func (e *Engine) QueryRenderedFeaturesForShape(shape []ScreenCoordinate, opts RenderedQueryOptions, cb func(Result[[]QueriedRenderedFeature])) {
	e.QueryRenderedFeatures(ShapeQuery(shape), opts, cb)
}

// Deprecated: use QueryRenderedFeatures with BoxQuery.
func (e *Engine) QueryRenderedFeaturesForBox(box ScreenBox, opts RenderedQueryOptions, cb func(Result[[]QueriedRenderedFeature])) {
	e.QueryRenderedFeatures(BoxQuery(box), opts, cb)
}

// Deprecated: use QueryRenderedFeatures with PointQuery.
func (e *Engine) QueryRenderedFeaturesForPixel(pixel ScreenCoordinate, opts RenderedQueryOptions, cb func(Result[[]QueriedRenderedFeature])) {
	e.QueryRenderedFeatures(PointQuery(pixel), opts, cb)
}

func (e *Engine) layerSet(ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	known := make(map[string]struct{}, len(e.layers))
	for _, l := range e.layers {
		known[l.ID] = struct{}{}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("geoview/query: %w - %s", ErrLayerNotFound, id)
		}
		set[id] = struct{}{}
	}
	return set, nil
}

// QuerySourceFeatures returns every feature of the source that passes
// the options, regardless of the viewport, in insertion order.
func (e *Engine) QuerySourceFeatures(sourceID string, opts SourceQueryOptions, cb func(Result[[]QueriedFeature])) *Cancelable {
	opts = opts.clone()
	src, err := e.source(sourceID)
	if err != nil {
		return reject(e.coordinator, kindQuerySource, err, cb)
	}
	layers, err := src.resolveLayers(opts.SourceLayerIDs)
	if err != nil {
		return reject(e.coordinator, kindQuerySource, err, cb)
	}
	filter, err := e.filters.compile(opts.Filter)
	if err != nil {
		return reject(e.coordinator, kindQuerySource, err, cb)
	}
	q := sourceQuery{source: src, layers: layers, filter: filter, zoom: e.Camera().Zoom}
	return submit(e.coordinator, kindQuerySource, func(ctx context.Context) ([]QueriedFeature, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return q.run(e.states), nil
	}, cb)
}

// QueryFeatureExtensions computes an extension field for a feature of
// the source, such as the leaves of a cluster.
func (e *Engine) QueryFeatureExtensions(sourceID string, feature *Feature, extension, field string, args map[string]interface{}, cb func(Result[FeatureExtensionValue])) *Cancelable {
	src, err := e.source(sourceID)
	if err != nil {
		return reject(e.coordinator, kindQueryExtension, err, cb)
	}
	fn, err := e.extensions.lookup(src, extension, field)
	if err != nil {
		return reject(e.coordinator, kindQueryExtension, err, cb)
	}
	if feature == nil {
		return reject(e.coordinator, kindQueryExtension, invalidf("extension", "feature not specified"), cb)
	}
	req := extensionRequest{
		source:  src,
		feature: feature.clone(),
		field:   field,
		args:    make(map[string]interface{}, len(args)),
	}
	for k, v := range args {
		req.args[k] = v
	}
	return submit(e.coordinator, kindQueryExtension, func(ctx context.Context) (FeatureExtensionValue, error) {
		return fn(ctx, req)
	}, cb)
}

func (e *Engine) stateKey(sourceID, sourceLayerID, featureID string) (FeatureKey, error) {
	key := FeatureKey{SourceID: sourceID, SourceLayerID: sourceLayerID, FeatureID: featureID}
	if err := key.validate(); err != nil {
		return key, err
	}
	src, err := e.source(sourceID)
	if err != nil {
		return key, err
	}
	if src.Type == SourceTypeVector && len(sourceLayerID) == 0 {
		return key, invalidf("state", "%s: vector source requires a source layer", sourceID)
	}
	if src.Type == SourceTypeGeoJSON && len(sourceLayerID) > 0 {
		return key, invalidf("state", "%s: geojson sources have no source layers", sourceID)
	}
	return key, nil
}

// GetFeatureState delivers the state of the feature. A feature without
// state yields an empty map.
func (e *Engine) GetFeatureState(sourceID, sourceLayerID, featureID string, cb func(Result[StateMap])) *Cancelable {
	key, err := e.stateKey(sourceID, sourceLayerID, featureID)
	if err != nil {
		return reject(e.coordinator, kindStateGet, err, cb)
	}
	return submit(e.coordinator, kindStateGet, func(ctx context.Context) (StateMap, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return e.states.get(key), nil
	}, cb)
}

// SetFeatureState merges state into the state of the feature.
func (e *Engine) SetFeatureState(sourceID, sourceLayerID, featureID string, state StateMap) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	key, err := e.stateKey(sourceID, sourceLayerID, featureID)
	if err != nil {
		return err
	}
	e.states.set(key, state.clone())
	return nil
}

// RemoveFeatureState removes one key of the feature state, or all of it
// when stateKey is empty.
func (e *Engine) RemoveFeatureState(sourceID, sourceLayerID, featureID, stateKey string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	key, err := e.stateKey(sourceID, sourceLayerID, featureID)
	if err != nil {
		return err
	}
	e.states.remove(key, stateKey)
	return nil
}

// SetMemoryBudget replaces the tile cache budget; nil restores the
// default. Invalid budgets leave the current one in place.
func (e *Engine) SetMemoryBudget(b *MemoryBudget) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.cache.setBudget(b.clone()); err != nil {
		return err
	}
	e.logger.Info("memory budget changed", zap.Stringer("budget", b))
	return nil
}

func (e *Engine) MemoryBudget() *MemoryBudget {
	return e.cache.currentBudget().clone()
}

// SetViewAnnotationPositionsUpdateListener replaces the listener of
// annotation positions. nil unregisters it.
func (e *Engine) SetViewAnnotationPositionsUpdateListener(l ViewAnnotationPositionsUpdateListener) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.annotations.setListener(l)
	return nil
}

func (e *Engine) AddViewAnnotation(id string, opts ViewAnnotationOptions) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.annotations.add(id, opts)
}

func (e *Engine) UpdateViewAnnotation(id string, opts ViewAnnotationOptions) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.annotations.update(id, opts)
}

func (e *Engine) RemoveViewAnnotation(id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.annotations.remove(id)
}

func (e *Engine) GetViewAnnotationOptions(id string) (ViewAnnotationOptions, error) {
	if err := e.checkOpen(); err != nil {
		return ViewAnnotationOptions{}, err
	}
	return e.annotations.options(id)
}

func (e *Engine) resolveAnchor(ref FeatureRef) (geometry.Point, error) {
	src, err := e.source(ref.SourceID)
	if err != nil {
		return geometry.Point{}, fmt.Errorf("geoview/annotation: %w - source %s", ErrInvalidAnchor, ref.SourceID)
	}
	f, ok := src.feature(ref.SourceLayerID, ref.FeatureID)
	if !ok {
		return geometry.Point{}, fmt.Errorf("geoview/annotation: %w - feature %s", ErrInvalidAnchor, ref.key())
	}
	return f.Anchor(), nil
}
