package geoview

import (
	"math"

	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

// RenderedQueryGeometry is the screen-space area of a rendered features
// query. Exactly one of the fields is set.
type RenderedQueryGeometry struct {
	Point *ScreenCoordinate  `json:"point,omitempty"`
	Box   *ScreenBox         `json:"box,omitempty"`
	Shape []ScreenCoordinate `json:"shape,omitempty"`
}

func PointQuery(p ScreenCoordinate) RenderedQueryGeometry {
	return RenderedQueryGeometry{Point: &p}
}

func BoxQuery(b ScreenBox) RenderedQueryGeometry {
	return RenderedQueryGeometry{Box: &b}
}

func ShapeQuery(shape []ScreenCoordinate) RenderedQueryGeometry {
	return RenderedQueryGeometry{Shape: shape}
}

func (q RenderedQueryGeometry) validate() error {
	n := 0
	if q.Point != nil {
		n++
		if !q.Point.valid() {
			return invalidf("query", "point is not finite")
		}
	}
	if q.Box != nil {
		n++
		if !q.Box.valid() {
			return invalidf("query", "malformed box %v", *q.Box)
		}
	}
	if q.Shape != nil {
		n++
		if len(q.Shape) == 0 {
			return invalidf("query", "empty shape")
		}
		for i, c := range q.Shape {
			if !c.valid() {
				return invalidf("query", "shape point #%d is not finite", i)
			}
		}
	}
	if n != 1 {
		return invalidf("query", "expected exactly one of point, box or shape, got %d", n)
	}
	return nil
}

// clone copies the geometry so that a submitted query cannot be changed
// by the caller.
func (q RenderedQueryGeometry) clone() RenderedQueryGeometry {
	out := RenderedQueryGeometry{}
	if q.Point != nil {
		p := *q.Point
		out.Point = &p
	}
	if q.Box != nil {
		b := *q.Box
		out.Box = &b
	}
	if q.Shape != nil {
		out.Shape = append([]ScreenCoordinate(nil), q.Shape...)
	}
	return out
}

// normalized narrows degenerate shapes: one coordinate is a point.
func (q RenderedQueryGeometry) normalized() RenderedQueryGeometry {
	if len(q.Shape) == 1 {
		p := q.Shape[0]
		return RenderedQueryGeometry{Point: &p}
	}
	return q
}

func (q RenderedQueryGeometry) bound() geometry.Rect {
	switch {
	case q.Point != nil:
		p := geometry.Point{X: q.Point.X, Y: q.Point.Y}
		return geometry.Rect{Min: p, Max: p}
	case q.Box != nil:
		return q.Box.rect()
	default:
		r := geometry.Rect{
			Min: geometry.Point{X: math.Inf(1), Y: math.Inf(1)},
			Max: geometry.Point{X: math.Inf(-1), Y: math.Inf(-1)},
		}
		for _, c := range q.Shape {
			r.Min.X = math.Min(r.Min.X, c.X)
			r.Min.Y = math.Min(r.Min.Y, c.Y)
			r.Max.X = math.Max(r.Max.X, c.X)
			r.Max.Y = math.Max(r.Max.Y, c.Y)
		}
		return r
	}
}

// object builds the hit test geometry, widened by pad pixels for points
// and boxes.
func (q RenderedQueryGeometry) object(pad float64) geojson.Object {
	switch {
	case q.Point != nil:
		p := geometry.Point{X: q.Point.X, Y: q.Point.Y}
		if pad > 0 {
			return geojson.NewRect(padRect(p, pad))
		}
		return geojson.NewPoint(p)
	case q.Box != nil:
		r := q.Box.rect()
		r.Min.X -= pad
		r.Min.Y -= pad
		r.Max.X += pad
		r.Max.Y += pad
		return geojson.NewRect(r)
	default:
		points := make([]geometry.Point, 0, len(q.Shape)+1)
		for _, c := range q.Shape {
			points = append(points, geometry.Point{X: c.X, Y: c.Y})
		}
		if len(points) == 2 {
			return geojson.NewLineString(geometry.NewLine(points, nil))
		}
		if points[0] != points[len(points)-1] {
			points = append(points, points[0])
		}
		return geojson.NewPolygon(geometry.NewPoly(points, nil, nil))
	}
}

// renderedQuery is a validated, immutable rendered features request.
type renderedQuery struct {
	geometry RenderedQueryGeometry
	layers   map[string]struct{}
	filter   *Filter
}

func (q renderedQuery) accept(zoom float64) func(rf *renderedFeature) bool {
	return func(rf *renderedFeature) bool {
		if len(q.layers) > 0 {
			if _, ok := q.layers[rf.layer.ID]; !ok {
				return false
			}
		}
		return q.filter.Match(rf.feature, zoom)
	}
}

func (q renderedQuery) run(frame *Frame, states *featureStates) []QueriedRenderedFeature {
	if frame == nil {
		return []QueriedRenderedFeature{}
	}
	hits := frame.hits(q.geometry, q.accept(frame.camera.Zoom))
	out := make([]QueriedRenderedFeature, 0, len(hits))
	for _, rf := range hits {
		out = append(out, QueriedRenderedFeature{
			QueriedFeature: QueriedFeature{
				Feature:     rf.feature.clone(),
				Source:      rf.source,
				SourceLayer: rf.sourceLayer,
				State:       states.get(rf.key()),
			},
			Layer: rf.layer.ID,
		})
	}
	return out
}

// sourceQuery is a validated, immutable source features request.
type sourceQuery struct {
	source *sourceData
	layers []string
	filter *Filter
	zoom   float64
}

func (q sourceQuery) run(states *featureStates) []QueriedFeature {
	items := q.source.scan(q.layers)
	out := make([]QueriedFeature, 0, len(items))
	for _, item := range items {
		if !q.filter.Match(item.feature, q.zoom) {
			continue
		}
		out = append(out, QueriedFeature{
			Feature:     item.feature.clone(),
			Source:      q.source.ID,
			SourceLayer: item.layer,
			State: states.get(FeatureKey{
				SourceID:      q.source.ID,
				SourceLayerID: item.layer,
				FeatureID:     item.feature.ID,
			}),
		})
	}
	return out
}
