package geoview

import (
	"sync/atomic"
)

type StatsCollector struct {
	totalSources     uint64
	totalLayers      uint64
	totalAnnotations uint64
	totalTasks       uint64
	totalCanceled    uint64
	totalFailed      uint64
	totalRenders     uint64
}

type Stats struct {
	Sources     uint64 `json:"sources"`
	Layers      uint64 `json:"layers"`
	Annotations uint64 `json:"annotations"`
	Tasks       uint64 `json:"tasks"`
	Canceled    uint64 `json:"canceled"`
	Failed      uint64 `json:"failed"`
	Renders     uint64 `json:"renders"`
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

func (sc *StatsCollector) Stats() Stats {
	return Stats{
		Sources:     atomic.LoadUint64(&sc.totalSources),
		Layers:      atomic.LoadUint64(&sc.totalLayers),
		Annotations: atomic.LoadUint64(&sc.totalAnnotations),
		Tasks:       atomic.LoadUint64(&sc.totalTasks),
		Canceled:    atomic.LoadUint64(&sc.totalCanceled),
		Failed:      atomic.LoadUint64(&sc.totalFailed),
		Renders:     atomic.LoadUint64(&sc.totalRenders),
	}
}

// Reset zeroes the request counters. Gauges such as sources and layers
// keep tracking the engine contents.
func (sc *StatsCollector) Reset() {
	atomic.StoreUint64(&sc.totalTasks, 0)
	atomic.StoreUint64(&sc.totalCanceled, 0)
	atomic.StoreUint64(&sc.totalFailed, 0)
	atomic.StoreUint64(&sc.totalRenders, 0)
}

func (sc *StatsCollector) IncrSources() {
	atomic.AddUint64(&sc.totalSources, 1)
}

func (sc *StatsCollector) DecrSources() {
	atomic.AddUint64(&sc.totalSources, ^uint64(0))
}

func (sc *StatsCollector) IncrLayers() {
	atomic.AddUint64(&sc.totalLayers, 1)
}

func (sc *StatsCollector) DecrLayers() {
	atomic.AddUint64(&sc.totalLayers, ^uint64(0))
}

func (sc *StatsCollector) IncrAnnotations() {
	atomic.AddUint64(&sc.totalAnnotations, 1)
}

func (sc *StatsCollector) DecrAnnotations() {
	atomic.AddUint64(&sc.totalAnnotations, ^uint64(0))
}

func (sc *StatsCollector) IncrTasks() {
	atomic.AddUint64(&sc.totalTasks, 1)
}

func (sc *StatsCollector) IncrCanceled() {
	atomic.AddUint64(&sc.totalCanceled, 1)
}

func (sc *StatsCollector) IncrFailed() {
	atomic.AddUint64(&sc.totalFailed, 1)
}

func (sc *StatsCollector) IncrRenders() {
	atomic.AddUint64(&sc.totalRenders, 1)
}
