package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mmadfox/geoview"
)

const (
	defaultHTTPAddr = "127.0.0.1"
	defaultHTTPPort = 8080
)

type Config struct {
	Logger    logger                  `yaml:"logger"`
	HTTP      httpConf                `yaml:"http"`
	Engine    engine                  `yaml:"engine"`
	Resources geoview.ResourceOptions `yaml:"resources"`
	Camera    camera                  `yaml:"camera"`
	Sources   []source                `yaml:"sources"`
	Layers    []geoview.Layer         `yaml:"layers"`

	dir string
}

func FromBytes(data []byte) (*Config, error) {
	conf := Config{
		HTTP: httpConf{
			Addr: defaultHTTPAddr,
			Port: defaultHTTPPort,
		},
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// FromFile reads the config. Relative source data paths are resolved
// against the directory of the file.
func FromFile(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	conf, err := FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", filename, err)
	}
	conf.dir = filepath.Dir(filename)
	return conf, nil
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if len(s.ID) == 0 {
			return fmt.Errorf("config: sources[%d]: id not specified", i)
		}
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("config: sources[%d]: duplicate id %s", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for i, l := range c.Layers {
		if _, ok := seen[l.Source]; !ok {
			return fmt.Errorf("config: layers[%d]: unknown source %q", i, l.Source)
		}
	}
	return c.Camera.validate()
}
