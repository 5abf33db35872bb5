package geoview

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"

	igeojson "github.com/mmadfox/geoview/internal/geojson"
)

// Feature is a map feature in geographic coordinates (X=lon, Y=lat).
type Feature struct {
	ID         string
	Geometry   geojson.Object
	Properties map[string]interface{}

	seq uint64
}

func NewFeature(id string, geom geojson.Object, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{ID: id, Geometry: geom, Properties: props}
}

// DecodeFeatures parses GeoJSON data into features.
func DecodeFeatures(data []byte) ([]*Feature, error) {
	records, err := igeojson.Decode(data)
	if err != nil {
		return nil, invalidf("feature", "%v", err)
	}
	features := make([]*Feature, len(records))
	for i, rec := range records {
		features[i] = NewFeature(rec.ID, rec.Geometry, rec.Properties)
	}
	return features, nil
}

func (f *Feature) GeometryType() string {
	if f.Geometry == nil {
		return ""
	}
	switch f.Geometry.(type) {
	case *geojson.Point:
		return "Point"
	case *geojson.MultiPoint:
		return "MultiPoint"
	case *geojson.LineString:
		return "LineString"
	case *geojson.MultiLineString:
		return "MultiLineString"
	case *geojson.Polygon, *geojson.Rect:
		return "Polygon"
	case *geojson.MultiPolygon:
		return "MultiPolygon"
	default:
		return "GeometryCollection"
	}
}

func (f *Feature) isPoint() bool {
	return f.GeometryType() == "Point"
}

// Anchor is the coordinate used to attach screen overlays to the feature.
func (f *Feature) Anchor() geometry.Point {
	return f.Geometry.Center()
}

// clone copies the feature and its top level properties so that query
// results never alias source data.
func (f *Feature) clone() *Feature {
	props := make(map[string]interface{}, len(f.Properties))
	for k, v := range f.Properties {
		props[k] = v
	}
	return &Feature{ID: f.ID, Geometry: f.Geometry, Properties: props, seq: f.seq}
}

type featureJSON struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Geometry   json.RawMessage        `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

func (f *Feature) MarshalJSON() ([]byte, error) {
	geom := json.RawMessage("null")
	if f.Geometry != nil {
		geom = json.RawMessage(f.Geometry.JSON())
	}
	return json.Marshal(featureJSON{
		Type:       "Feature",
		ID:         f.ID,
		Geometry:   geom,
		Properties: f.Properties,
	})
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	features, err := DecodeFeatures(data)
	if err != nil {
		return err
	}
	if len(features) != 1 {
		return fmt.Errorf("geoview/feature: expected one feature, got %d", len(features))
	}
	*f = *features[0]
	return nil
}

func (f *Feature) String() string {
	return fmt.Sprintf("Feature{ID:%s, Type:%s}", f.ID, f.GeometryType())
}

// FeatureRef points at a feature of a source.
type FeatureRef struct {
	SourceID      string `json:"sourceId"`
	SourceLayerID string `json:"sourceLayerId,omitempty"`
	FeatureID     string `json:"featureId"`
}

func (r FeatureRef) key() FeatureKey {
	return FeatureKey(r)
}

// QueriedFeature is a single query hit.
type QueriedFeature struct {
	Feature     *Feature `json:"feature"`
	Source      string   `json:"source"`
	SourceLayer string   `json:"sourceLayer,omitempty"`
	State       StateMap `json:"state"`
}

// QueriedRenderedFeature is a rendered query hit, tagged with the style
// layer it was painted by.
type QueriedRenderedFeature struct {
	QueriedFeature
	Layer string `json:"layer"`
}
