package geoview

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/tidwall/geojson/geometry"
)

const (
	// Map zoom is defined against 512px tiles.
	worldTileSize = 512
	MinZoom       = 0
	MaxZoom       = 22
)

type Size struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

func (s Size) valid() bool {
	return s.Width > 0 && s.Height > 0 && !math.IsInf(s.Width, 0) && !math.IsInf(s.Height, 0)
}

type ScreenCoordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (c ScreenCoordinate) valid() bool {
	return isFinite(c.X) && isFinite(c.Y)
}

type ScreenBox struct {
	Min ScreenCoordinate `json:"min"`
	Max ScreenCoordinate `json:"max"`
}

func (b ScreenBox) valid() bool {
	return b.Min.valid() && b.Max.valid() && b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y
}

func (b ScreenBox) intersects(o ScreenBox) bool {
	return b.Min.X < o.Max.X && o.Min.X < b.Max.X &&
		b.Min.Y < o.Max.Y && o.Min.Y < b.Max.Y
}

func (b ScreenBox) rect() geometry.Rect {
	return geometry.Rect{
		Min: geometry.Point{X: b.Min.X, Y: b.Min.Y},
		Max: geometry.Point{X: b.Max.X, Y: b.Max.Y},
	}
}

// Camera is the map view state. Bearing and pitch are carried along
// but the projection is top-down.
type Camera struct {
	Center  geometry.Point `json:"center"`
	Zoom    float64        `json:"zoom"`
	Bearing float64        `json:"bearing"`
	Pitch   float64        `json:"pitch"`
}

func (c Camera) String() string {
	return fmt.Sprintf("Camera{Center:[%f %f], Zoom:%.2f}", c.Center.X, c.Center.Y, c.Zoom)
}

// CameraOptions holds optional overrides applied on top of a camera.
type CameraOptions struct {
	Center  *geometry.Point `json:"center,omitempty"`
	Zoom    *float64        `json:"zoom,omitempty"`
	Bearing *float64        `json:"bearing,omitempty"`
	Pitch   *float64        `json:"pitch,omitempty"`
}

func (o *CameraOptions) apply(c Camera) (Camera, error) {
	if o == nil {
		return c, nil
	}
	if o.Center != nil {
		if !validLonLat(*o.Center) {
			return c, invalidf("camera", "center %v out of range", *o.Center)
		}
		c.Center = *o.Center
	}
	if o.Zoom != nil {
		if !isFinite(*o.Zoom) {
			return c, invalidf("camera", "zoom is not finite")
		}
		c.Zoom = clampZoom(*o.Zoom)
	}
	if o.Bearing != nil {
		if !isFinite(*o.Bearing) {
			return c, invalidf("camera", "bearing is not finite")
		}
		c.Bearing = math.Mod(*o.Bearing, 360)
	}
	if o.Pitch != nil {
		if !isFinite(*o.Pitch) {
			return c, invalidf("camera", "pitch is not finite")
		}
		c.Pitch = math.Max(0, math.Min(85, *o.Pitch))
	}
	return c, nil
}

func clampZoom(z float64) float64 {
	return math.Max(MinZoom, math.Min(MaxZoom, z))
}

// projector maps geographic coordinates to screen pixels for one
// camera and viewport.
type projector struct {
	size   Size
	scale  float64
	center orb.Point
}

func newProjector(c Camera, size Size) projector {
	scale := worldTileSize * math.Pow(2, c.Zoom)
	return projector{
		size:   size,
		scale:  scale,
		center: maptile.Fraction(orb.Point{c.Center.X, c.Center.Y}, 0),
	}
}

func (p projector) project(ll geometry.Point) ScreenCoordinate {
	f := maptile.Fraction(orb.Point{ll.X, ll.Y}, 0)
	return ScreenCoordinate{
		X: (f[0]-p.center[0])*p.scale + p.size.Width/2,
		Y: (f[1]-p.center[1])*p.scale + p.size.Height/2,
	}
}

func (p projector) projectPoint(ll geometry.Point) geometry.Point {
	s := p.project(ll)
	return geometry.Point{X: s.X, Y: s.Y}
}

func (p projector) viewport() ScreenBox {
	return ScreenBox{Max: ScreenCoordinate{X: p.size.Width, Y: p.size.Height}}
}

func validLonLat(p geometry.Point) bool {
	return isFinite(p.X) && isFinite(p.Y) &&
		p.X >= -180 && p.X <= 180 && p.Y >= -90 && p.Y <= 90
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
