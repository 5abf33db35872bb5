package geoview

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
)

const (
	defaultTileSize = 512
	maxTileZoom     = 22
	maxMercatorLat  = 85.0511
	edgeEpsilon     = 1e-9
)

// CanonicalTileID is a normalized z/x/y tile identifier.
type CanonicalTileID struct {
	Z uint8  `json:"z" msgpack:"z"`
	X uint32 `json:"x" msgpack:"x"`
	Y uint32 `json:"y" msgpack:"y"`
}

func (id CanonicalTileID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

func (id CanonicalTileID) tile() maptile.Tile {
	return maptile.New(id.X, id.Y, maptile.Zoom(id.Z))
}

// Bound returns the geographic bounds of the tile.
func (id CanonicalTileID) Bound() orb.Bound {
	return id.tile().Bound()
}

type TileCoverOptions struct {
	TileSize  *uint16 `json:"tileSize,omitempty"`
	MinZoom   *uint8  `json:"minZoom,omitempty"`
	MaxZoom   *uint8  `json:"maxZoom,omitempty"`
	RoundZoom *bool   `json:"roundZoom,omitempty"`
}

func (o TileCoverOptions) tileSize() float64 {
	if o.TileSize == nil || *o.TileSize == 0 {
		return defaultTileSize
	}
	return float64(*o.TileSize)
}

func (o TileCoverOptions) zoomRange() (min, max int) {
	min, max = 0, maxTileZoom
	if o.MinZoom != nil {
		min = int(*o.MinZoom)
	}
	if o.MaxZoom != nil && int(*o.MaxZoom) < max {
		max = int(*o.MaxZoom)
	}
	if min > max {
		min = max
	}
	return
}

// tileZoom converts the map zoom into the integer zoom of tiles with
// the configured size.
func (o TileCoverOptions) tileZoom(zoom float64) (z int, continuous float64) {
	continuous = zoom + math.Log2(worldTileSize/o.tileSize())
	if o.RoundZoom != nil && *o.RoundZoom {
		z = int(math.Round(continuous))
	} else {
		z = int(math.Floor(continuous))
	}
	min, max := o.zoomRange()
	if z < min {
		z = min
	}
	if z > max {
		z = max
	}
	return z, continuous
}

// TileCover returns the tiles intersecting the viewport of the camera,
// nearest to the center first. The result depends only on the inputs.
func TileCover(opts TileCoverOptions, camera Camera, size Size) []CanonicalTileID {
	z, continuous := opts.tileZoom(camera.Zoom)
	n := math.Exp2(float64(z))
	ts := opts.tileSize()
	center := maptile.Fraction(orb.Point{camera.Center.X, camera.Center.Y}, maptile.Zoom(z))
	factor := math.Exp2(float64(z) - continuous)
	halfW := math.Max(0, size.Width) / 2 / ts * factor
	halfH := math.Max(0, size.Height) / 2 / ts * factor

	minX := clampFloat(center[0]-halfW, 0, n-edgeEpsilon)
	maxX := clampFloat(center[0]+halfW, 0, n-edgeEpsilon)
	minY := clampFloat(center[1]-halfH, 0, n-edgeEpsilon)
	maxY := clampFloat(center[1]+halfH, 0, n-edgeEpsilon)

	bound := orb.Bound{
		Min: orb.Point{fractionToLon(minX, n), fractionToLat(maxY, n)},
		Max: orb.Point{fractionToLon(maxX, n), fractionToLat(minY, n)},
	}
	set := tilecover.Bound(bound, maptile.Zoom(z))

	tiles := make([]CanonicalTileID, 0, len(set))
	for t := range set {
		if !t.Valid() {
			continue
		}
		tiles = append(tiles, CanonicalTileID{Z: uint8(t.Z), X: t.X, Y: t.Y})
	}
	sort.Slice(tiles, func(i, j int) bool {
		di := tileDistance(tiles[i], center)
		dj := tileDistance(tiles[j], center)
		if di != dj {
			return di < dj
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

func tileDistance(id CanonicalTileID, center orb.Point) float64 {
	dx := float64(id.X) + 0.5 - center[0]
	dy := float64(id.Y) + 0.5 - center[1]
	return dx*dx + dy*dy
}

func fractionToLon(x, n float64) float64 {
	return clampFloat(x/n*360-180, -180, 180-edgeEpsilon)
}

func fractionToLat(y, n float64) float64 {
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
	return clampFloat(lat, -maxMercatorLat, maxMercatorLat)
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
