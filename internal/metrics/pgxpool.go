package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RegisterPoolMetrics exposes pgx and redis connection pool statistics as
// Prometheus gauges. Either pool may be nil.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, rdb *redis.Client) {
	if pool != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "backupd_pgxpool_acquired_conns",
				Help: "Number of currently acquired connections in the pool",
			}, func() float64 {
				return float64(pool.Stat().AcquiredConns())
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "backupd_pgxpool_total_conns",
				Help: "Total number of connections in the pool",
			}, func() float64 {
				return float64(pool.Stat().TotalConns())
			}),
		)
	}
	if rdb != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "backupd_redis_total_conns",
				Help: "Total number of connections in the redis pool",
			}, func() float64 {
				return float64(rdb.PoolStats().TotalConns)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "backupd_redis_timeouts_total",
				Help: "Number of times a wait for a redis connection timed out",
			}, func() float64 {
				return float64(rdb.PoolStats().Timeouts)
			}),
		)
	}
}
