package geoview

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMeterProvider(p metric.MeterProvider) Option {
	return func(e *Engine) {
		if p != nil {
			e.meterProvider = p
		}
	}
}

func WithTracerProvider(p trace.TracerProvider) Option {
	return func(e *Engine) {
		if p != nil {
			e.tracerProvider = p
		}
	}
}

// WithWorkers sets the number of goroutines executing asynchronous
// requests.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithQueueSize bounds the number of pending asynchronous requests.
// Requests beyond it fail with ErrUpstreamUnavailable.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		e.queueSize = n
	}
}

// WithTileLoaders bounds the number of tiles loaded concurrently while
// rendering.
func WithTileLoaders(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tileLoaders = n
		}
	}
}

func WithResourceOptions(o ResourceOptions) Option {
	return func(e *Engine) {
		e.resourceOptions = o
	}
}

func WithSize(s Size) Option {
	return func(e *Engine) {
		e.size = s
	}
}

func WithCamera(c Camera) Option {
	return func(e *Engine) {
		e.camera = c
	}
}

func WithMemoryBudget(b *MemoryBudget) Option {
	return func(e *Engine) {
		e.initialBudget = b
	}
}

func WithStatsCollector(sc *StatsCollector) Option {
	return func(e *Engine) {
		if sc != nil {
			e.stats = sc
		}
	}
}
