package geojson

import (
	"errors"
	"fmt"

	"github.com/tidwall/geojson"
	"github.com/tidwall/gjson"
)

var (
	ErrInvalidGeoJSONData = errors.New("geojson: invalid GeoJSON data")
	ErrNoGeometry         = errors.New("geojson: feature has no geometry")
)

// Record is one decoded GeoJSON feature. Coordinates keep the GeoJSON
// axis order: X is longitude, Y is latitude.
type Record struct {
	ID         string
	Geometry   geojson.Object
	Properties map[string]interface{}
}

// Decode accepts a FeatureCollection, a single Feature or a bare
// geometry and returns its features in document order.
func Decode(data []byte) ([]Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidGeoJSONData
	}
	root := gjson.ParseBytes(data)
	switch root.Get("type").String() {
	case "FeatureCollection":
		features := root.Get("features")
		if !features.IsArray() {
			return nil, fmt.Errorf("%w: features is not an array", ErrInvalidGeoJSONData)
		}
		items := features.Array()
		records := make([]Record, 0, len(items))
		for i, item := range items {
			rec, err := decodeFeature(item)
			if err != nil {
				return nil, fmt.Errorf("feature #%d: %w", i, err)
			}
			records = append(records, rec)
		}
		return records, nil
	case "Feature":
		rec, err := decodeFeature(root)
		if err != nil {
			return nil, err
		}
		return []Record{rec}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidGeoJSONData)
	default:
		geom, err := geojson.Parse(root.Raw, geojson.DefaultParseOptions)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSONData, err)
		}
		return []Record{{Geometry: geom, Properties: map[string]interface{}{}}}, nil
	}
}

func decodeFeature(f gjson.Result) (Record, error) {
	var rec Record
	geometry := f.Get("geometry")
	if !geometry.Exists() || geometry.Type == gjson.Null {
		return rec, ErrNoGeometry
	}
	geom, err := geojson.Parse(geometry.Raw, geojson.DefaultParseOptions)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidGeoJSONData, err)
	}
	rec.Geometry = geom
	if id := f.Get("id"); id.Exists() && id.Type != gjson.Null {
		rec.ID = id.String()
	}
	rec.Properties = make(map[string]interface{})
	if props := f.Get("properties"); props.IsObject() {
		props.ForEach(func(key, value gjson.Result) bool {
			rec.Properties[key.String()] = value.Value()
			return true
		})
	}
	return rec, nil
}
