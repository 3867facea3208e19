// Package metrics exposes prometheus instruments for the paging engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goterrain_jobs_queued",
		Help: "Jobs waiting in a worker pool",
	}, []string{"pool"})
	JobsCanceledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goterrain_jobs_canceled_total",
		Help: "Jobs canceled before or during execution",
	}, []string{"pool"})
	JobDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "goterrain_job_duration_ms",
		Help:    "Job execution time in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"pool"})

	SubtileLoadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_pager_subtile_loads_total",
		Help: "Subtile loads dispatched by the node pager",
	})
	PagerUnloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_pager_unloads_total",
		Help: "Paged nodes unloaded by sentry flush",
	})

	ResidentTiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goterrain_registry_resident_tiles",
		Help: "Terrain tiles in the registry",
	})
	TilesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_registry_tiles_expired_total",
		Help: "Terrain tiles removed as dormant",
	})
	DataMergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goterrain_tile_data_merges_total",
		Help: "Tile data merge attempts by outcome",
	}, []string{"outcome"})

	GeometryHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_geometry_pool_hits_total",
		Help: "Shared geometry cache hits",
	})
	GeometryBuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_geometry_pool_builds_total",
		Help: "Shared geometry builds",
	})
	GeometryPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goterrain_geometry_pool_size",
		Help: "Shared geometry entries in the pool",
	})

	ElevationFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_elevation_fetches_total",
		Help: "Heightfield fetches issued by elevation sessions",
	})
	ElevationFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_elevation_fallbacks_total",
		Help: "Fetches that fell back to an ancestor key",
	})
	ElevationCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goterrain_elevation_cache_hits_total",
		Help: "Heightfields served by the pre-fetch cache",
	})
)

func init() {
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsCanceledTotal)
	prometheus.MustRegister(JobDurationMs)
	prometheus.MustRegister(SubtileLoadsTotal)
	prometheus.MustRegister(PagerUnloadsTotal)
	prometheus.MustRegister(ResidentTiles)
	prometheus.MustRegister(TilesExpiredTotal)
	prometheus.MustRegister(DataMergesTotal)
	prometheus.MustRegister(GeometryHitsTotal)
	prometheus.MustRegister(GeometryBuildsTotal)
	prometheus.MustRegister(GeometryPoolSize)
	prometheus.MustRegister(ElevationFetchesTotal)
	prometheus.MustRegister(ElevationFallbacksTotal)
	prometheus.MustRegister(ElevationCacheHitsTotal)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
