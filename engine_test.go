package geoview

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/mmcloughlin/spherand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

func newTestEngine(t testing.TB, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithSize(Size{Width: 512, Height: 512}),
		WithCamera(Camera{Zoom: 2}),
	}, opts...)
	e, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// await runs an asynchronous request and waits for its result.
func await[T any](t testing.TB, request func(cb func(Result[T])) *Cancelable) Result[T] {
	t.Helper()
	ch := make(chan Result[T], 1)
	h := request(func(res Result[T]) { ch <- res })
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s timed out", h.ID())
		return Result[T]{}
	}
}

func point(lon, lat float64) *geojson.Point {
	return geojson.NewPoint(geometry.Point{X: lon, Y: lat})
}

func square(lon, lat, half float64) *geojson.Polygon {
	return geojson.NewPolygon(geometry.NewPoly([]geometry.Point{
		{X: lon - half, Y: lat - half},
		{X: lon + half, Y: lat - half},
		{X: lon + half, Y: lat + half},
		{X: lon - half, Y: lat + half},
		{X: lon - half, Y: lat - half},
	}, nil, nil))
}

// setupPlaces adds a geojson source with a point and a polygon around
// the origin, painted by a fill layer below a circle layer.
func setupPlaces(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.AddSource(Source{ID: "places", Type: SourceTypeGeoJSON}))
	require.NoError(t, e.SetSourceFeatures("places", "", []*Feature{
		NewFeature("a", point(0, 0), map[string]interface{}{"name": "origin", "rank": 1}),
		NewFeature("b", square(0, 0, 10), map[string]interface{}{"name": "area", "rank": 2}),
	}))
	require.NoError(t, e.AddLayer(Layer{
		ID:     "fills",
		Type:   LayerTypeFill,
		Source: "places",
		Filter: "geometry_type == 'Polygon'",
	}))
	require.NoError(t, e.AddLayer(Layer{
		ID:     "circles",
		Type:   LayerTypeCircle,
		Source: "places",
		Filter: "geometry_type == 'Point'",
	}))
}

func queryRendered(t *testing.T, e *Engine, geom RenderedQueryGeometry, opts RenderedQueryOptions) Result[[]QueriedRenderedFeature] {
	t.Helper()
	return await(t, func(cb func(Result[[]QueriedRenderedFeature])) *Cancelable {
		return e.QueryRenderedFeatures(geom, opts, cb)
	})
}

func renderedIDs(features []QueriedRenderedFeature) []string {
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.Layer + "/" + f.Feature.ID
	}
	return ids
}

func TestEngine_QueryRenderedFeatures_TopmostFirst(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)

	center := ScreenCoordinate{X: 256, Y: 256}
	for i := 0; i < 3; i++ {
		res := queryRendered(t, e, PointQuery(center), RenderedQueryOptions{})
		require.NoError(t, res.Err)
		assert.Equal(t, []string{"circles/a", "fills/b"}, renderedIDs(res.Value))
	}

	// a point within the circle radius still hits it
	res := queryRendered(t, e, PointQuery(ScreenCoordinate{X: 259, Y: 256}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"circles/a", "fills/b"}, renderedIDs(res.Value))

	res = queryRendered(t, e, PointQuery(ScreenCoordinate{X: 5, Y: 5}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Value)
}

func TestEngine_QueryRenderedFeatures_Options(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)
	box := BoxQuery(ScreenBox{
		Min: ScreenCoordinate{X: 200, Y: 200},
		Max: ScreenCoordinate{X: 300, Y: 300},
	})

	res := queryRendered(t, e, box, RenderedQueryOptions{LayerIDs: []string{"fills"}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"fills/b"}, renderedIDs(res.Value))

	res = queryRendered(t, e, box, RenderedQueryOptions{Filter: "properties.rank == 1"})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"circles/a"}, renderedIDs(res.Value))

	res = queryRendered(t, e, box, RenderedQueryOptions{LayerIDs: []string{"missing"}})
	assert.ErrorIs(t, res.Err, ErrNotFound)

	res = queryRendered(t, e, box, RenderedQueryOptions{Filter: "properties.rank =="})
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)

	res = queryRendered(t, e, box, RenderedQueryOptions{Filter: "properties.rank + 1"})
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
}

func TestEngine_QueryRenderedFeatures_Shapes(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)

	// one coordinate behaves as a point query
	res := queryRendered(t, e, ShapeQuery([]ScreenCoordinate{{X: 256, Y: 256}}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"circles/a", "fills/b"}, renderedIDs(res.Value))

	triangle := ShapeQuery([]ScreenCoordinate{{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 0, Y: 20}})
	res = queryRendered(t, e, triangle, RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Value)

	res = queryRendered(t, e, RenderedQueryGeometry{}, RenderedQueryOptions{})
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)

	res = queryRendered(t, e, ShapeQuery([]ScreenCoordinate{}), RenderedQueryOptions{})
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
}

func TestEngine_QueryRenderedFeatures_Deprecated(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)
	center := ScreenCoordinate{X: 256, Y: 256}

	results := make(chan Result[[]QueriedRenderedFeature], 3)
	cb := func(res Result[[]QueriedRenderedFeature]) { results <- res }
	e.QueryRenderedFeaturesForPixel(center, RenderedQueryOptions{}, cb)
	e.QueryRenderedFeaturesForBox(ScreenBox{
		Min: ScreenCoordinate{X: 250, Y: 250},
		Max: ScreenCoordinate{X: 262, Y: 262},
	}, RenderedQueryOptions{}, cb)
	e.QueryRenderedFeaturesForShape([]ScreenCoordinate{center}, RenderedQueryOptions{LayerIDs: []string{"fills"}}, cb)

	var got [][]string
	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			require.NoError(t, res.Err)
			got = append(got, renderedIDs(res.Value))
		case <-time.After(5 * time.Second):
			t.Fatal("deprecated query timed out")
		}
	}
	assert.ElementsMatch(t, [][]string{
		{"circles/a", "fills/b"},
		{"circles/a", "fills/b"},
		{"fills/b"},
	}, got)
}

func TestEngine_QueryRenderedFeatures_IncludesState(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)
	require.NoError(t, e.SetFeatureState("places", "", "a", StateMap{"hover": true}))

	res := queryRendered(t, e, PointQuery(ScreenCoordinate{X: 256, Y: 256}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 2)
	assert.Equal(t, StateMap{"hover": true}, res.Value[0].State)
	assert.Equal(t, "places", res.Value[0].Source)
	assert.Empty(t, res.Value[1].State)
	assert.NotNil(t, res.Value[1].State)
}

func TestEngine_QueryRenderedFeatures_FollowsCamera(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)

	center := geometry.Point{X: 90, Y: 0}
	require.NoError(t, e.SetCamera(CameraOptions{Center: &center}))
	res := queryRendered(t, e, PointQuery(ScreenCoordinate{X: 256, Y: 256}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Value)

	bad := geometry.Point{X: 200, Y: 0}
	assert.ErrorIs(t, e.SetCamera(CameraOptions{Center: &bad}), ErrInvalidRequest)
	assert.Equal(t, center, e.Camera().Center)

	nan := math.NaN()
	assert.ErrorIs(t, e.SetCamera(CameraOptions{Bearing: &nan, Pitch: &nan}), ErrInvalidRequest)
	assert.Equal(t, 0.0, e.Camera().Bearing)
	assert.Equal(t, 0.0, e.Camera().Pitch)
}

func TestEngine_QuerySourceFeatures(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)

	query := func(id string, opts SourceQueryOptions) Result[[]QueriedFeature] {
		return await(t, func(cb func(Result[[]QueriedFeature])) *Cancelable {
			return e.QuerySourceFeatures(id, opts, cb)
		})
	}

	res := query("places", SourceQueryOptions{})
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 2)
	assert.Equal(t, "a", res.Value[0].Feature.ID)
	assert.Equal(t, "b", res.Value[1].Feature.ID)

	res = query("places", SourceQueryOptions{Filter: "properties.name == 'area'"})
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "b", res.Value[0].Feature.ID)

	res = query("nowhere", SourceQueryOptions{})
	assert.ErrorIs(t, res.Err, ErrSourceNotFound)

	require.NoError(t, e.AddSource(Source{ID: "tiles", Type: SourceTypeVector}))
	require.NoError(t, e.SetSourceFeatures("tiles", "roads", []*Feature{
		NewFeature("r1", point(1, 1), nil),
	}))
	res = query("tiles", SourceQueryOptions{})
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)

	res = query("tiles", SourceQueryOptions{SourceLayerIDs: []string{"roads", "water"}})
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "roads", res.Value[0].SourceLayer)
}

func TestEngine_QueryResultsDoNotAliasSourceData(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)
	res := await(t, func(cb func(Result[[]QueriedFeature])) *Cancelable {
		return e.QuerySourceFeatures("places", SourceQueryOptions{}, cb)
	})
	require.NoError(t, res.Err)
	res.Value[0].Feature.Properties["name"] = "changed"

	res = await(t, func(cb func(Result[[]QueriedFeature])) *Cancelable {
		return e.QuerySourceFeatures("places", SourceQueryOptions{}, cb)
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "origin", res.Value[0].Feature.Properties["name"])
}

func TestEngine_FeatureState(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)

	get := func(source, layer, id string) Result[StateMap] {
		return await(t, func(cb func(Result[StateMap])) *Cancelable {
			return e.GetFeatureState(source, layer, id, cb)
		})
	}

	res := get("places", "", "unknown")
	require.NoError(t, res.Err)
	assert.Empty(t, res.Value)
	assert.NotNil(t, res.Value)

	require.NoError(t, e.SetFeatureState("places", "", "a", StateMap{"hover": true}))
	require.NoError(t, e.SetFeatureState("places", "", "a", StateMap{"selected": 1}))
	res = get("places", "", "a")
	require.NoError(t, res.Err)
	assert.Equal(t, StateMap{"hover": true, "selected": 1}, res.Value)

	require.NoError(t, e.RemoveFeatureState("places", "", "a", "hover"))
	res = get("places", "", "a")
	assert.Equal(t, StateMap{"selected": 1}, res.Value)

	require.NoError(t, e.RemoveFeatureState("places", "", "a", ""))
	res = get("places", "", "a")
	assert.Empty(t, res.Value)

	res = get("nowhere", "", "a")
	assert.ErrorIs(t, res.Err, ErrSourceNotFound)
	res = get("places", "", "")
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
	assert.ErrorIs(t, e.SetFeatureState("places", "layer", "a", StateMap{}), ErrInvalidRequest)
}

func TestEngine_SourcesAndLayers(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)

	assert.ErrorIs(t, e.AddSource(Source{ID: "places", Type: SourceTypeGeoJSON}), ErrAlreadyExists)
	assert.ErrorIs(t, e.AddSource(Source{ID: "x", Type: "raster"}), ErrInvalidRequest)
	assert.ErrorIs(t, e.AddLayer(Layer{ID: "fills", Type: LayerTypeFill, Source: "places"}), ErrAlreadyExists)
	assert.ErrorIs(t, e.AddLayer(Layer{ID: "l", Type: LayerTypeFill, Source: "nowhere"}), ErrSourceNotFound)
	assert.ErrorIs(t, e.AddLayer(Layer{ID: "l", Type: LayerTypeFill, Source: "places", Filter: "1 +"}), ErrInvalidRequest)

	layers := e.Layers()
	require.Len(t, layers, 2)
	assert.Equal(t, "fills", layers[0].ID)
	assert.Equal(t, "circles", layers[1].ID)

	require.NoError(t, e.SetFeatureState("places", "", "a", StateMap{"hover": true}))
	assert.ErrorIs(t, e.RemoveSource("places"), ErrInvalidRequest)
	require.NoError(t, e.RemoveLayer("fills"))
	require.NoError(t, e.RemoveLayer("circles"))
	assert.ErrorIs(t, e.RemoveLayer("circles"), ErrLayerNotFound)
	require.NoError(t, e.RemoveSource("places"))
	assert.ErrorIs(t, e.RemoveSource("places"), ErrSourceNotFound)
	assert.Equal(t, 0, e.states.len())
	assert.Empty(t, e.Sources())

	stats := e.Stats()
	assert.Equal(t, uint64(0), stats.Sources)
	assert.Equal(t, uint64(0), stats.Layers)
}

func TestEngine_SetSourceData(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddSource(Source{ID: "poi", Type: SourceTypeGeoJSON}))
	err := e.SetSourceData("poi", "", []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "id": "p1", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {"kind": "cafe"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [3, 4]}, "properties": {}}
		]
	}`))
	require.NoError(t, err)

	res := await(t, func(cb func(Result[[]QueriedFeature])) *Cancelable {
		return e.QuerySourceFeatures("poi", SourceQueryOptions{}, cb)
	})
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 2)
	assert.Equal(t, "p1", res.Value[0].Feature.ID)
	assert.NotEmpty(t, res.Value[1].Feature.ID)

	assert.ErrorIs(t, e.SetSourceData("poi", "", []byte(`{"type":`)), ErrInvalidRequest)
}

func TestEngine_TileCover(t *testing.T) {
	e := newTestEngine(t)
	tiles, err := e.TileCover(TileCoverOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, tiles)
	for _, tile := range tiles {
		assert.Equal(t, uint8(2), tile.Z)
	}

	zoom := 5.0
	tiles, err = e.TileCover(TileCoverOptions{}, &CameraOptions{Zoom: &zoom})
	require.NoError(t, err)
	require.NotEmpty(t, tiles)
	assert.Equal(t, uint8(5), tiles[0].Z)
	assert.Equal(t, 2.0, e.Camera().Zoom)
}

func TestEngine_MemoryBudget(t *testing.T) {
	e := newTestEngine(t)
	assert.Nil(t, e.MemoryBudget())

	tiles := uint64(4)
	require.NoError(t, e.SetMemoryBudget(&MemoryBudget{Tiles: &tiles}))
	setupPlaces(t, e)
	assert.LessOrEqual(t, e.cache.len(), 4)
	assert.Equal(t, uint64(4), *e.MemoryBudget().Tiles)

	mb := uint64(1)
	assert.ErrorIs(t, e.SetMemoryBudget(&MemoryBudget{Tiles: &tiles, Megabytes: &mb}), ErrInvalidRequest)
	assert.Equal(t, uint64(4), *e.MemoryBudget().Tiles)

	zero := uint64(0)
	require.NoError(t, e.SetMemoryBudget(&MemoryBudget{Megabytes: &zero}))
	assert.Equal(t, 0, e.cache.len())

	// queries keep working without a tile cache
	res := queryRendered(t, e, PointQuery(ScreenCoordinate{X: 256, Y: 256}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	assert.Len(t, res.Value, 2)
}

func TestEngine_ResetStats(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)
	res := queryRendered(t, e, PointQuery(ScreenCoordinate{X: 256, Y: 256}), RenderedQueryOptions{})
	require.NoError(t, res.Err)
	require.Eventually(t, func() bool { return e.Stats().Tasks == 1 }, time.Second, 5*time.Millisecond)

	before := e.ResetStats()
	assert.Equal(t, uint64(1), before.Tasks)
	assert.NotZero(t, before.Renders)

	after := e.Stats()
	assert.Zero(t, after.Tasks)
	assert.Zero(t, after.Renders)
	assert.Equal(t, uint64(1), after.Sources)
	assert.Equal(t, uint64(2), after.Layers)
}

func TestEngine_Close(t *testing.T) {
	e := newTestEngine(t)
	setupPlaces(t, e)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	res := queryRendered(t, e, PointQuery(ScreenCoordinate{X: 256, Y: 256}), RenderedQueryOptions{})
	assert.ErrorIs(t, res.Err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, e.AddSource(Source{ID: "late", Type: SourceTypeGeoJSON}), ErrUpstreamUnavailable)
	_, err := e.Render(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestNew_RejectsMalformedCamera(t *testing.T) {
	_, err := New(WithCamera(Camera{Center: geometry.Point{X: 0, Y: 91}}))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = New(WithCamera(Camera{Bearing: math.NaN()}))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func BenchmarkEngine_QueryRenderedFeatures(b *testing.B) {
	e := newTestEngine(b)
	if err := e.AddSource(Source{ID: "random", Type: SourceTypeGeoJSON}); err != nil {
		b.Fatal(err)
	}
	features := make([]*Feature, 10000)
	for i := range features {
		lat, lon := spherand.Geographical()
		features[i] = NewFeature("", point(lon, lat), nil)
	}
	if err := e.SetSourceFeatures("random", "", features); err != nil {
		b.Fatal(err)
	}
	if err := e.AddLayer(Layer{ID: "dots", Type: LayerTypeCircle, Source: "random"}); err != nil {
		b.Fatal(err)
	}
	box := BoxQuery(ScreenBox{Max: ScreenCoordinate{X: 256, Y: 256}})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := await(b, func(cb func(Result[[]QueriedRenderedFeature])) *Cancelable {
			return e.QueryRenderedFeatures(box, RenderedQueryOptions{}, cb)
		})
		if res.Err != nil {
			b.Fatal(res.Err)
		}
	}
}
