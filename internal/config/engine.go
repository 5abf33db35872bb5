package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/geojson/geometry"
	"go.uber.org/zap"

	"github.com/mmadfox/geoview"
)

type engine struct {
	Workers      int                   `yaml:"workers"`
	QueueSize    int                   `yaml:"queue_size"`
	TileLoaders  int                   `yaml:"tile_loaders"`
	MemoryBudget *geoview.MemoryBudget `yaml:"memory_budget"`
	Size         geoview.Size          `yaml:"size"`
}

type camera struct {
	Lon     float64 `yaml:"lon"`
	Lat     float64 `yaml:"lat"`
	Zoom    float64 `yaml:"zoom"`
	Bearing float64 `yaml:"bearing"`
	Pitch   float64 `yaml:"pitch"`
}

func (c camera) validate() error {
	if c.Lon < -180 || c.Lon > 180 || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("config: camera center [%f %f] out of range", c.Lon, c.Lat)
	}
	if c.Zoom < geoview.MinZoom || c.Zoom > geoview.MaxZoom {
		return fmt.Errorf("config: camera zoom %f out of range", c.Zoom)
	}
	return nil
}

// source is a source definition with optional GeoJSON files loaded into
// it at startup, keyed by source layer.
type source struct {
	geoview.Source `yaml:",inline"`
	Data           map[string]string `yaml:"data"`
}

// EngineOptions translates the config into engine options.
func (c *Config) EngineOptions(logger *zap.Logger) []geoview.Option {
	return []geoview.Option{
		geoview.WithLogger(logger),
		geoview.WithWorkers(c.Engine.Workers),
		geoview.WithQueueSize(c.Engine.QueueSize),
		geoview.WithTileLoaders(c.Engine.TileLoaders),
		geoview.WithMemoryBudget(c.Engine.MemoryBudget),
		geoview.WithSize(c.Engine.Size),
		geoview.WithResourceOptions(c.Resources),
		geoview.WithCamera(geoview.Camera{
			Center:  geometry.Point{X: c.Camera.Lon, Y: c.Camera.Lat},
			Zoom:    c.Camera.Zoom,
			Bearing: c.Camera.Bearing,
			Pitch:   c.Camera.Pitch,
		}),
	}
}

// Apply registers the configured sources, their data and the layers.
func (c *Config) Apply(e *geoview.Engine) error {
	for _, s := range c.Sources {
		if err := e.AddSource(s.Source); err != nil {
			return err
		}
		for sourceLayer, path := range s.Data {
			if !filepath.IsAbs(path) {
				path = filepath.Join(c.dir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("config: source %s: %w", s.ID, err)
			}
			if err := e.SetSourceData(s.ID, sourceLayer, data); err != nil {
				return fmt.Errorf("config: source %s: %w", s.ID, err)
			}
		}
	}
	for _, l := range c.Layers {
		if err := e.AddLayer(l); err != nil {
			return err
		}
	}
	return nil
}
