package config

import (
	"net"
	"strconv"
	"time"
)

type httpConf struct {
	Addr         string        `yaml:"addr"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Addr, strconv.Itoa(c.HTTP.Port))
}
