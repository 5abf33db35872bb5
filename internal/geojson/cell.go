package geojson

import (
	"github.com/tidwall/geojson/geometry"
	"github.com/uber/h3-go/v3"
)

const (
	MinResolution = 0
	MaxResolution = 15
)

func ClampResolution(res int) int {
	if res < MinResolution {
		return MinResolution
	}
	if res > MaxResolution {
		return MaxResolution
	}
	return res
}

func CellAt(p geometry.Point, res int) h3.H3Index {
	return h3.FromGeo(h3.GeoCoord{Latitude: p.Y, Longitude: p.X}, ClampResolution(res))
}

func Resolution(cell h3.H3Index) int {
	return h3.Resolution(cell)
}

func IsCell(cell h3.H3Index) bool {
	return h3.IsValid(cell)
}

func CellCenter(cell h3.H3Index) geometry.Point {
	c := h3.ToGeo(cell)
	return geometry.Point{X: c.Longitude, Y: c.Latitude}
}
