package geoview

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"github.com/uber/h3-go/v3"

	igeojson "github.com/mmadfox/geoview/internal/geojson"
	"github.com/mmadfox/geoview/internal/hash"
)

type SourceType string

const (
	SourceTypeGeoJSON SourceType = "geojson"
	SourceTypeVector  SourceType = "vector"
)

const (
	defaultClusterMaxZoom = 14
	pointEpsilon          = 1e-7
)

type ClusterOptions struct {
	// MaxZoom is the last zoom at which points are clustered.
	MaxZoom float64 `json:"maxZoom" yaml:"maxZoom"`
}

// Source describes a named provider of map features.
type Source struct {
	ID       string          `json:"id" yaml:"id"`
	Type     SourceType      `json:"type" yaml:"type"`
	TileSize uint16          `json:"tileSize,omitempty" yaml:"tileSize"`
	MinZoom  uint8           `json:"minZoom,omitempty" yaml:"minZoom"`
	MaxZoom  uint8           `json:"maxZoom,omitempty" yaml:"maxZoom"`
	Cluster  *ClusterOptions `json:"cluster,omitempty" yaml:"cluster"`
}

func (s Source) validate() error {
	if len(s.ID) == 0 {
		return invalidf("source", "id not specified")
	}
	switch s.Type {
	case SourceTypeGeoJSON:
	case SourceTypeVector:
		if s.Cluster != nil {
			return invalidf("source", "%s: clustering requires a geojson source", s.ID)
		}
	default:
		return invalidf("source", "%s: unknown type %q", s.ID, s.Type)
	}
	if s.MaxZoom != 0 && s.MinZoom > s.MaxZoom {
		return invalidf("source", "%s: minZoom %d > maxZoom %d", s.ID, s.MinZoom, s.MaxZoom)
	}
	return nil
}

func (s Source) tileCoverOptions() TileCoverOptions {
	opts := TileCoverOptions{}
	if s.TileSize > 0 {
		ts := s.TileSize
		opts.TileSize = &ts
	}
	minZoom := s.MinZoom
	opts.MinZoom = &minZoom
	if s.MaxZoom > 0 {
		maxZoom := s.MaxZoom
		opts.MaxZoom = &maxZoom
	}
	return opts
}

func (s Source) clusterMaxZoom() float64 {
	if s.Cluster == nil {
		return -1
	}
	if s.Cluster.MaxZoom <= 0 {
		return defaultClusterMaxZoom
	}
	return s.Cluster.MaxZoom
}

// SourceQueryOptions narrows a source query.
type SourceQueryOptions struct {
	SourceLayerIDs []string `json:"sourceLayerIds,omitempty"`
	Filter         string   `json:"filter,omitempty"`
}

func (o SourceQueryOptions) clone() SourceQueryOptions {
	out := SourceQueryOptions{Filter: o.Filter}
	if len(o.SourceLayerIDs) > 0 {
		out.SourceLayerIDs = append([]string(nil), o.SourceLayerIDs...)
	}
	return out
}

type indexedFeature struct {
	layer   string
	feature *Feature
	bound   geometry.Rect
}

func (f *indexedFeature) Bounds() rtreego.Rect {
	lonLength := math.Max(f.bound.Max.X-f.bound.Min.X, pointEpsilon)
	latLength := math.Max(f.bound.Max.Y-f.bound.Min.Y, pointEpsilon)
	rect, _ := rtreego.NewRect(
		rtreego.Point{f.bound.Min.X, f.bound.Min.Y},
		[]float64{lonLength, latLength},
	)
	return rect
}

// sourceData holds the features of one source grouped by source layer,
// together with a geographic index over all of them.
type sourceData struct {
	Source

	mu       sync.RWMutex
	layers   map[string]map[string]*indexedFeature
	index    *rtreego.Rtree
	digests  map[string]uint64
	seq      uint64
	revision uint64
}

func newSourceData(s Source) *sourceData {
	return &sourceData{
		Source:  s,
		layers:  make(map[string]map[string]*indexedFeature),
		index:   rtreego.NewTree(2, 25, 50),
		digests: make(map[string]uint64),
	}
}

// setFeatures replaces the features of a source layer. Features without
// an id get one from their insertion sequence, skipping ids taken in the
// batch. A later feature with the same explicit id replaces an earlier one.
func (s *sourceData) setFeatures(sourceLayer string, features []*Feature) error {
	if s.Type == SourceTypeGeoJSON && len(sourceLayer) > 0 {
		return invalidf("source", "%s: geojson sources have no source layers", s.ID)
	}
	if s.Type == SourceTypeVector && len(sourceLayer) == 0 {
		return invalidf("source", "%s: source layer not specified", s.ID)
	}
	for i, f := range features {
		if f == nil || f.Geometry == nil {
			return invalidf("source", "%s: feature #%d has no geometry", s.ID, i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.layers[sourceLayer] {
		s.index.Delete(old)
	}
	explicit := make(map[string]struct{}, len(features))
	for _, f := range features {
		if len(f.ID) > 0 {
			explicit[f.ID] = struct{}{}
		}
	}
	layer := make(map[string]*indexedFeature, len(features))
	parts := make([]string, 0, 2*len(features))
	for _, f := range features {
		s.seq++
		stored := f.clone()
		stored.seq = s.seq
		if len(stored.ID) == 0 {
			stored.ID = s.nextID(explicit, layer)
		}
		if prev, ok := layer[stored.ID]; ok {
			s.index.Delete(prev)
		}
		item := &indexedFeature{
			layer:   sourceLayer,
			feature: stored,
			bound:   stored.Geometry.Rect(),
		}
		layer[stored.ID] = item
		s.index.Insert(item)
		parts = append(parts, stored.ID, stored.Geometry.JSON())
	}
	s.layers[sourceLayer] = layer
	s.digests[sourceLayer] = hash.Strings(parts...)
	s.revision++
	return nil
}

func (s *sourceData) nextID(explicit map[string]struct{}, layer map[string]*indexedFeature) string {
	for {
		id := strconv.FormatUint(s.seq, 10)
		_, taken := explicit[id]
		if _, ok := layer[id]; !ok && !taken {
			return id
		}
		s.seq++
	}
}

func (s *sourceData) currentRevision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// layerDigest identifies the content of a source layer independently of
// the process that loaded it.
func (s *sourceData) layerDigest(sourceLayer string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digests[sourceLayer]
}

func (s *sourceData) indexed(sourceLayer, id string) (*indexedFeature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.layers[sourceLayer][id]
	return item, ok
}

func (s *sourceData) feature(sourceLayer, id string) (*Feature, bool) {
	item, ok := s.indexed(sourceLayer, id)
	if !ok {
		return nil, false
	}
	return item.feature, true
}

func (s *sourceData) sourceLayers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layers := make([]string, 0, len(s.layers))
	for name := range s.layers {
		layers = append(layers, name)
	}
	sort.Strings(layers)
	return layers
}

func (s *sourceData) resolveLayers(requested []string) ([]string, error) {
	if s.Type == SourceTypeVector {
		if len(requested) == 0 {
			return nil, invalidf("query", "%s: vector source requires source layer ids", s.ID)
		}
		return requested, nil
	}
	return []string{""}, nil
}

// scan returns the features of the given layers in insertion order.
func (s *sourceData) scan(layers []string) []*indexedFeature {
	s.mu.RLock()
	var items []*indexedFeature
	for _, name := range layers {
		for _, item := range s.layers[name] {
			items = append(items, item)
		}
	}
	s.mu.RUnlock()
	sortIndexed(items)
	return items
}

// search returns the features whose bounds intersect b, in insertion
// order.
func (s *sourceData) search(b orb.Bound, sourceLayer string) []*indexedFeature {
	rect, err := rtreego.NewRectFromPoints(
		rtreego.Point{b.Min[0], b.Min[1]},
		rtreego.Point{b.Max[0], b.Max[1]},
	)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	found := s.index.SearchIntersect(rect)
	s.mu.RUnlock()
	items := make([]*indexedFeature, 0, len(found))
	for _, sp := range found {
		item := sp.(*indexedFeature)
		if item.layer != sourceLayer {
			continue
		}
		items = append(items, item)
	}
	sortIndexed(items)
	return items
}

func sortIndexed(items []*indexedFeature) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].feature.seq < items[j].feature.seq
	})
}

// clusterResolution maps a map zoom onto an h3 resolution whose cells
// roughly match the size of a tile at that zoom.
func clusterResolution(zoom float64) int {
	return igeojson.ClampResolution(int(math.Floor(zoom * 0.75)))
}

// clustered reports whether point features of the source are grouped at
// the zoom.
func (s *sourceData) clustered(zoom float64) bool {
	return s.Cluster != nil && zoom <= s.clusterMaxZoom()
}

// cluster groups point features into h3 cells at the resolution for the
// zoom. Single points and non-point features pass through unchanged.
func (s *sourceData) cluster(items []*indexedFeature, zoom float64) []*Feature {
	if !s.clustered(zoom) {
		out := make([]*Feature, len(items))
		for i, item := range items {
			out[i] = item.feature
		}
		return out
	}
	return groupPoints(items, clusterResolution(zoom))
}

func groupPoints(items []*indexedFeature, res int) []*Feature {
	groups := make(map[h3.H3Index][]*Feature)
	out := make([]*Feature, 0, len(items))
	var cells []h3.H3Index
	for _, item := range items {
		if !item.feature.isPoint() {
			out = append(out, item.feature)
			continue
		}
		cell := igeojson.CellAt(item.feature.Anchor(), res)
		if _, ok := groups[cell]; !ok {
			cells = append(cells, cell)
		}
		groups[cell] = append(groups[cell], item.feature)
	}
	for _, cell := range cells {
		members := groups[cell]
		if len(members) == 1 {
			out = append(out, members[0])
			continue
		}
		out = append(out, newClusterFeature(cell, members))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

func newClusterFeature(cell h3.H3Index, members []*Feature) *Feature {
	var lon, lat float64
	seq := members[0].seq
	for _, m := range members {
		p := m.Anchor()
		lon += p.X
		lat += p.Y
		if m.seq < seq {
			seq = m.seq
		}
	}
	n := float64(len(members))
	id := h3.ToString(cell)
	f := NewFeature(id,
		geojson.NewPoint(geometry.Point{X: lon / n, Y: lat / n}),
		map[string]interface{}{
			"cluster":                 true,
			"cluster_id":              id,
			"point_count":             len(members),
			"point_count_abbreviated": abbreviateCount(len(members)),
		})
	f.seq = seq
	return f
}

func abbreviateCount(n int) string {
	switch {
	case n >= 1000000:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	case n >= 10000:
		return fmt.Sprintf("%dk", n/1000)
	case n >= 1000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	default:
		return strconv.Itoa(n)
	}
}

// clusterMembers returns the point features that fall into the cell,
// in insertion order.
func (s *sourceData) clusterMembers(cell h3.H3Index) []*indexedFeature {
	res := igeojson.Resolution(cell)
	items := s.scan([]string{""})
	members := items[:0]
	for _, item := range items {
		if !item.feature.isPoint() {
			continue
		}
		if igeojson.CellAt(item.feature.Anchor(), res) == cell {
			members = append(members, item)
		}
	}
	return members
}
