package geoview

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/uber/h3-go/v3"

	igeojson "github.com/mmadfox/geoview/internal/geojson"
)

const (
	ExtensionSupercluster = "supercluster"

	FieldChildren      = "children"
	FieldLeaves        = "leaves"
	FieldExpansionZoom = "expansion-zoom"

	defaultLeavesLimit = 10
	maxExpansionZoom   = 24
)

// FeatureExtensionValue is the outcome of a feature extension query:
// either a scalar value or a list of features.
type FeatureExtensionValue struct {
	Value    interface{} `json:"value,omitempty"`
	Features []*Feature  `json:"features,omitempty"`
}

type extensionRequest struct {
	source  *sourceData
	feature *Feature
	field   string
	args    map[string]interface{}
}

type extensionField func(ctx context.Context, req extensionRequest) (FeatureExtensionValue, error)

type extensionKey struct {
	sourceType SourceType
	name       string
}

// extensionRegistry maps (source type, extension) to the fields the
// extension can compute.
type extensionRegistry struct {
	resolvers map[extensionKey]map[string]extensionField
	// supports reports whether a particular source enables the extension.
	supports map[extensionKey]func(s *sourceData) bool
}

func newExtensionRegistry() *extensionRegistry {
	r := &extensionRegistry{
		resolvers: make(map[extensionKey]map[string]extensionField),
		supports:  make(map[extensionKey]func(s *sourceData) bool),
	}
	r.register(SourceTypeGeoJSON, ExtensionSupercluster,
		func(s *sourceData) bool { return s.Cluster != nil },
		map[string]extensionField{
			FieldChildren:      clusterChildren,
			FieldLeaves:        clusterLeaves,
			FieldExpansionZoom: clusterExpansionZoom,
		})
	return r
}

func (r *extensionRegistry) register(t SourceType, name string, supports func(s *sourceData) bool, fields map[string]extensionField) {
	key := extensionKey{sourceType: t, name: name}
	r.resolvers[key] = fields
	r.supports[key] = supports
}

func (r *extensionRegistry) lookup(src *sourceData, name, field string) (extensionField, error) {
	key := extensionKey{sourceType: src.Type, name: name}
	fields, ok := r.resolvers[key]
	if !ok || !r.supports[key](src) {
		return nil, fmt.Errorf("geoview/extension: %w - %q on source %s", ErrUnknownExtension, name, src.ID)
	}
	fn, ok := fields[field]
	if !ok {
		return nil, fmt.Errorf("geoview/extension: %w - %s field %q", ErrUnknownExtension, name, field)
	}
	return fn, nil
}

// clusterCell returns the cell a cluster feature stands for.
func clusterCell(f *Feature) (h3.H3Index, error) {
	if f == nil {
		return 0, invalidf("extension", "feature not specified")
	}
	if isCluster, _ := f.Properties["cluster"].(bool); !isCluster {
		return 0, invalidf("extension", "feature %s is not a cluster", f.ID)
	}
	id, ok := f.Properties["cluster_id"].(string)
	if !ok {
		return 0, invalidf("extension", "feature %s has no cluster_id", f.ID)
	}
	cell := h3.FromString(id)
	if !igeojson.IsCell(cell) {
		return 0, invalidf("extension", "malformed cluster_id %q", id)
	}
	return cell, nil
}

func clusterChildren(ctx context.Context, req extensionRequest) (FeatureExtensionValue, error) {
	cell, err := clusterCell(req.feature)
	if err != nil {
		return FeatureExtensionValue{}, err
	}
	members := req.source.clusterMembers(cell)
	if err := ctx.Err(); err != nil {
		return FeatureExtensionValue{}, err
	}
	res := igeojson.Resolution(cell) + 1
	if res > igeojson.MaxResolution || !req.source.clustered(zoomForResolution(res)) {
		return FeatureExtensionValue{Features: cloneIndexed(members)}, nil
	}
	children := groupPoints(members, res)
	out := make([]*Feature, len(children))
	for i, f := range children {
		out[i] = f.clone()
	}
	return FeatureExtensionValue{Features: out}, nil
}

func clusterLeaves(ctx context.Context, req extensionRequest) (FeatureExtensionValue, error) {
	cell, err := clusterCell(req.feature)
	if err != nil {
		return FeatureExtensionValue{}, err
	}
	limit, err := intArg(req.args, "limit", defaultLeavesLimit)
	if err != nil {
		return FeatureExtensionValue{}, err
	}
	offset, err := intArg(req.args, "offset", 0)
	if err != nil {
		return FeatureExtensionValue{}, err
	}
	members := req.source.clusterMembers(cell)
	if err := ctx.Err(); err != nil {
		return FeatureExtensionValue{}, err
	}
	if offset >= len(members) {
		return FeatureExtensionValue{Features: []*Feature{}}, nil
	}
	members = members[offset:]
	// limit 0 returns every leaf.
	if limit > 0 && limit < len(members) {
		members = members[:limit]
	}
	return FeatureExtensionValue{Features: cloneIndexed(members)}, nil
}

func clusterExpansionZoom(ctx context.Context, req extensionRequest) (FeatureExtensionValue, error) {
	cell, err := clusterCell(req.feature)
	if err != nil {
		return FeatureExtensionValue{}, err
	}
	res := igeojson.Resolution(cell)
	members := req.source.clusterMembers(cell)
	for zoom := 0; zoom <= maxExpansionZoom; zoom++ {
		if err := ctx.Err(); err != nil {
			return FeatureExtensionValue{}, err
		}
		z := float64(zoom)
		if clusterResolution(z) <= res {
			continue
		}
		if !req.source.clustered(z) {
			return FeatureExtensionValue{Value: z}, nil
		}
		if len(groupPoints(members, clusterResolution(z))) > 1 {
			return FeatureExtensionValue{Value: z}, nil
		}
	}
	return FeatureExtensionValue{Value: math.Floor(req.source.clusterMaxZoom()) + 1}, nil
}

// zoomForResolution is the lowest integer zoom clustered at res.
func zoomForResolution(res int) float64 {
	return math.Ceil(float64(res) / 0.75)
}

func cloneIndexed(items []*indexedFeature) []*Feature {
	out := make([]*Feature, len(items))
	for i, item := range items {
		out[i] = item.feature.clone()
	}
	return out
}

func intArg(args map[string]interface{}, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	var n float64
	switch x := v.(type) {
	case int:
		n = float64(x)
	case int32:
		n = float64(x)
	case int64:
		n = float64(x)
	case uint:
		n = float64(x)
	case uint32:
		n = float64(x)
	case uint64:
		n = float64(x)
	case float32:
		n = float64(x)
	case float64:
		n = x
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, invalidf("extension", "argument %s: %v", name, err)
		}
		n = f
	default:
		return 0, invalidf("extension", "argument %s has type %T, want number", name, v)
	}
	if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return 0, invalidf("extension", "argument %s must be a non-negative integer, got %v", name, v)
	}
	return int(n), nil
}
