package geoview

import (
	"math"
	"sort"
	"time"

	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"github.com/tidwall/rtree"
)

// renderedFeature is a feature as painted by one layer, in screen space.
type renderedFeature struct {
	order       int
	layer       *compiledLayer
	source      string
	sourceLayer string
	feature     *Feature
	shapes      []geojson.Object
	bound       geometry.Rect
	// queryPad expands query geometry before hit testing; zero when the
	// tolerance is already part of the shapes.
	queryPad float64
}

func (rf *renderedFeature) hit(query geojson.Object) bool {
	for _, shape := range rf.shapes {
		if shape.Intersects(query) || query.Intersects(shape) {
			return true
		}
	}
	return false
}

func (rf *renderedFeature) key() FeatureKey {
	return FeatureKey{SourceID: rf.source, SourceLayerID: rf.sourceLayer, FeatureID: rf.feature.ID}
}

// Frame is an immutable snapshot of what was painted for one camera.
type Frame struct {
	camera    Camera
	size      Size
	index     *rtree.RTree
	features  []*renderedFeature
	maxPad    float64
	createdAt time.Time
}

func newFrame(camera Camera, size Size) *Frame {
	return &Frame{
		camera:    camera,
		size:      size,
		index:     &rtree.RTree{},
		createdAt: time.Now(),
	}
}

func (f *Frame) Camera() Camera {
	return f.camera
}

func (f *Frame) Size() Size {
	return f.size
}

// Len returns the number of painted features.
func (f *Frame) Len() int {
	return len(f.features)
}

func (f *Frame) insert(rf *renderedFeature) {
	rf.order = len(f.features)
	f.features = append(f.features, rf)
	if rf.queryPad > f.maxPad {
		f.maxPad = rf.queryPad
	}
	f.index.Insert(
		[2]float64{rf.bound.Min.X, rf.bound.Min.Y},
		[2]float64{rf.bound.Max.X, rf.bound.Max.Y},
		rf,
	)
}

// hits returns the features intersecting the query, topmost first.
func (f *Frame) hits(q RenderedQueryGeometry, accept func(rf *renderedFeature) bool) []*renderedFeature {
	bound := q.bound()
	pad := f.maxPad
	var found []*renderedFeature
	queries := make(map[float64]geojson.Object)
	f.index.Search(
		[2]float64{bound.Min.X - pad, bound.Min.Y - pad},
		[2]float64{bound.Max.X + pad, bound.Max.Y + pad},
		func(_, _ [2]float64, value interface{}) bool {
			rf, ok := value.(*renderedFeature)
			if !ok || !accept(rf) {
				return true
			}
			query, ok := queries[rf.queryPad]
			if !ok {
				query = q.object(rf.queryPad)
				queries[rf.queryPad] = query
			}
			if rf.hit(query) {
				found = append(found, rf)
			}
			return true
		},
	)
	sort.Slice(found, func(i, j int) bool {
		return found[i].order > found[j].order
	})
	return found
}

// projectObject converts a geographic geometry into screen space
// primitives. Point primitives are widened to a square of pad pixels.
func projectObject(p projector, obj geojson.Object, pad float64) []geojson.Object {
	switch g := obj.(type) {
	case *geojson.Point:
		pt := p.projectPoint(g.Base())
		if pad > 0 {
			return []geojson.Object{geojson.NewRect(padRect(pt, pad))}
		}
		return []geojson.Object{geojson.NewPoint(pt)}
	case *geojson.LineString:
		points := projectSeries(p, g.Base())
		if len(points) < 2 {
			return nil
		}
		return []geojson.Object{geojson.NewLineString(geometry.NewLine(points, nil))}
	case *geojson.Polygon:
		poly := g.Base()
		exterior := projectSeries(p, poly.Exterior)
		if len(exterior) < 3 {
			return nil
		}
		holes := make([][]geometry.Point, 0, len(poly.Holes))
		for _, hole := range poly.Holes {
			if pts := projectSeries(p, hole); len(pts) >= 3 {
				holes = append(holes, pts)
			}
		}
		return []geojson.Object{geojson.NewPolygon(geometry.NewPoly(exterior, holes, nil))}
	case *geojson.Rect:
		r := g.Base()
		a := p.projectPoint(r.Min)
		b := p.projectPoint(r.Max)
		return []geojson.Object{geojson.NewRect(geometry.Rect{
			Min: geometry.Point{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)},
			Max: geometry.Point{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)},
		})}
	default:
		var out []geojson.Object
		obj.ForEach(func(child geojson.Object) bool {
			if child != obj {
				out = append(out, projectObject(p, child, pad)...)
			}
			return true
		})
		return out
	}
}

func projectSeries(p projector, s geometry.Series) []geometry.Point {
	n := s.NumPoints()
	points := make([]geometry.Point, n)
	for i := 0; i < n; i++ {
		points[i] = p.projectPoint(s.PointAt(i))
	}
	return points
}

func padRect(pt geometry.Point, pad float64) geometry.Rect {
	return geometry.Rect{
		Min: geometry.Point{X: pt.X - pad, Y: pt.Y - pad},
		Max: geometry.Point{X: pt.X + pad, Y: pt.Y + pad},
	}
}

func unionRect(shapes []geojson.Object) (geometry.Rect, bool) {
	if len(shapes) == 0 {
		return geometry.Rect{}, false
	}
	r := shapes[0].Rect()
	for _, s := range shapes[1:] {
		b := s.Rect()
		r.Min.X = math.Min(r.Min.X, b.Min.X)
		r.Min.Y = math.Min(r.Min.Y, b.Min.Y)
		r.Max.X = math.Max(r.Max.X, b.Max.X)
		r.Max.Y = math.Max(r.Max.Y, b.Max.Y)
	}
	return r, true
}
