package geoview

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/geojson/geometry"

	igeojson "github.com/mmadfox/geoview/internal/geojson"
)

func TestSource_Validate(t *testing.T) {
	tests := []struct {
		name   string
		source Source
		valid  bool
	}{
		{name: "geojson", source: Source{ID: "a", Type: SourceTypeGeoJSON}, valid: true},
		{name: "vector", source: Source{ID: "a", Type: SourceTypeVector, MinZoom: 2, MaxZoom: 14}, valid: true},
		{name: "clustered geojson", source: Source{ID: "a", Type: SourceTypeGeoJSON, Cluster: &ClusterOptions{}}, valid: true},
		{name: "missing id", source: Source{Type: SourceTypeGeoJSON}},
		{name: "unknown type", source: Source{ID: "a", Type: "raster"}},
		{name: "clustered vector", source: Source{ID: "a", Type: SourceTypeVector, Cluster: &ClusterOptions{}}},
		{name: "zoom range", source: Source{ID: "a", Type: SourceTypeVector, MinZoom: 10, MaxZoom: 4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.source.validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestSourceData_SetFeatures(t *testing.T) {
	src := newSourceData(Source{ID: "poi", Type: SourceTypeGeoJSON})
	err := src.setFeatures("", []*Feature{
		NewFeature("", point(1, 1), nil),
		NewFeature("x", point(2, 2), nil),
		NewFeature("x", point(3, 3), nil),
	})
	require.NoError(t, err)

	items := src.scan([]string{""})
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].feature.ID)
	assert.Equal(t, "x", items[1].feature.ID)
	assert.Equal(t, geometry.Point{X: 3, Y: 3}, items[1].feature.Anchor())
	assert.Equal(t, uint64(1), src.currentRevision())

	// the replaced duplicate is gone from the index too
	found := src.search(orb.Bound{Min: orb.Point{1.5, 1.5}, Max: orb.Point{2.5, 2.5}}, "")
	assert.Empty(t, found)

	assert.ErrorIs(t, src.setFeatures("layer", nil), ErrInvalidRequest)
	assert.ErrorIs(t, src.setFeatures("", []*Feature{{ID: "no geometry"}}), ErrInvalidRequest)
	assert.Equal(t, uint64(1), src.currentRevision())
}

func TestSourceData_SetFeaturesKeepsExplicitIDs(t *testing.T) {
	src := newSourceData(Source{ID: "poi", Type: SourceTypeGeoJSON})
	require.NoError(t, src.setFeatures("", []*Feature{
		NewFeature("2", point(1, 1), nil),
		NewFeature("", point(5, 5), nil),
		NewFeature("", point(6, 6), nil),
		NewFeature("3", point(7, 7), nil),
	}))

	items := src.scan([]string{""})
	require.Len(t, items, 4)
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.feature.ID
	}
	assert.Equal(t, []string{"2", "4", "5", "3"}, ids)
	f, ok := src.feature("", "2")
	require.True(t, ok)
	assert.Equal(t, geometry.Point{X: 1, Y: 1}, f.Anchor())
}

func TestSourceData_SetFeaturesReplacesLayer(t *testing.T) {
	src := newSourceData(Source{ID: "tiles", Type: SourceTypeVector})
	require.NoError(t, src.setFeatures("roads", []*Feature{NewFeature("r", point(0, 0), nil)}))
	require.NoError(t, src.setFeatures("water", []*Feature{NewFeature("w", point(0, 0), nil)}))
	digest := src.layerDigest("roads")

	require.NoError(t, src.setFeatures("roads", []*Feature{NewFeature("r2", point(5, 5), nil)}))
	assert.NotEqual(t, digest, src.layerDigest("roads"))
	assert.Equal(t, []string{"roads", "water"}, src.sourceLayers())

	whole := orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}
	roads := src.search(whole, "roads")
	require.Len(t, roads, 1)
	assert.Equal(t, "r2", roads[0].feature.ID)
	water := src.search(whole, "water")
	require.Len(t, water, 1)

	_, ok := src.feature("roads", "r")
	assert.False(t, ok)
	f, ok := src.feature("water", "w")
	require.True(t, ok)
	assert.Equal(t, "w", f.ID)

	assert.ErrorIs(t, src.setFeatures("", nil), ErrInvalidRequest)
}

func TestSourceData_LayerDigestIsContentBased(t *testing.T) {
	a := newSourceData(Source{ID: "a", Type: SourceTypeGeoJSON})
	b := newSourceData(Source{ID: "b", Type: SourceTypeGeoJSON})
	features := []*Feature{NewFeature("1", square(0, 0, 1), nil)}
	require.NoError(t, a.setFeatures("", features))
	require.NoError(t, b.setFeatures("", features))
	require.NoError(t, b.setFeatures("", features))

	assert.Equal(t, a.layerDigest(""), b.layerDigest(""))
	assert.NotEqual(t, a.currentRevision(), b.currentRevision())
}

func TestSourceData_Cluster(t *testing.T) {
	base := igeojson.CellCenter(igeojson.CellAt(geometry.Point{}, 1))
	src := newSourceData(Source{ID: "poi", Type: SourceTypeGeoJSON, Cluster: &ClusterOptions{}})
	require.NoError(t, src.setFeatures("", []*Feature{
		NewFeature("p1", point(base.X, base.Y), nil),
		NewFeature("area", square(base.X, base.Y, 0.1), nil),
		NewFeature("p2", point(base.X+0.01, base.Y+0.01), nil),
		NewFeature("p3", point(base.X-0.01, base.Y), nil),
	}))
	items := src.scan([]string{""})

	clustered := src.cluster(items, 2)
	require.Len(t, clustered, 2)
	cluster := clustered[0]
	assert.Equal(t, true, cluster.Properties["cluster"])
	assert.Equal(t, 3, cluster.Properties["point_count"])
	assert.Equal(t, "3", cluster.Properties["point_count_abbreviated"])
	assert.Equal(t, cluster.ID, cluster.Properties["cluster_id"])
	assert.Equal(t, "area", clustered[1].ID)

	assert.Len(t, src.cluster(items, 15), 4)
	assert.False(t, src.clustered(14.5))
	assert.True(t, src.clustered(14))

	plain := newSourceData(Source{ID: "plain", Type: SourceTypeGeoJSON})
	assert.False(t, plain.clustered(0))
}

func TestClusterResolution(t *testing.T) {
	assert.Equal(t, 0, clusterResolution(0))
	assert.Equal(t, 1, clusterResolution(2))
	assert.Equal(t, 7, clusterResolution(10))
	assert.Equal(t, 15, clusterResolution(22))
}

func TestAbbreviateCount(t *testing.T) {
	assert.Equal(t, "999", abbreviateCount(999))
	assert.Equal(t, "1.5k", abbreviateCount(1500))
	assert.Equal(t, "12k", abbreviateCount(12345))
	assert.Equal(t, "2.5M", abbreviateCount(2500000))
}
