// Package metricsx exposes the admin HTTP surface (health + Prometheus
// metrics) carried by every shard and bootstrap process. It is deliberately
// separate from the length-prefixed data-plane protocol in internal/protocol:
// nothing here ever serves a write/read/pop request.
package metricsx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gauges and counters a shard or bootstrap process
// reports. Call NewRegistry once per process and register it with its own
// prometheus.Registry so processes sharing a binary in tests don't collide
// on the default global registry.
type Registry struct {
	reg *prometheus.Registry

	ShardSize       prometheus.Gauge
	ShardMaxSize    prometheus.Gauge
	ShardLocked     prometheus.Gauge
	BucketCount     *prometheus.GaugeVec
	QueueDepth      *prometheus.GaugeVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry builds a fresh, independent metrics registry for one process.
func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ShardSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shard_size_bytes", Help: "Current estimated byte size of the shard's store.",
		}),
		ShardMaxSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shard_max_size_bytes", Help: "Configured byte budget of the shard.",
		}),
		ShardLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shard_locked", Help: "Whether the shard is currently locked (1) or open (0).",
		}),
		BucketCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shard_bucket_records", Help: "Records per sub-bucket of the shard's owned range.",
		}, []string{"bucket"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_queue_depth", Help: "Pending requests per priority queue.",
		}, []string{"queue"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Requests handled, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds", Help: "Time from dequeue to handler return, including the wait for the processing mutex.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(r.ShardSize, r.ShardMaxSize, r.ShardLocked, r.BucketCount,
		r.QueueDepth, r.RequestsTotal, r.RequestDuration)

	return r
}

// ObserveRequest records one handler invocation's outcome and latency.
func (r *Registry) ObserveRequest(endpoint string, err error, took time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	r.RequestsTotal.WithLabelValues(endpoint, result).Inc()
	r.RequestDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

// SetQueueDepth records the current backlog of one of the dispatcher's
// priority queues (labels "master"/"default").
func (r *Registry) SetQueueDepth(queue string, depth int) {
	r.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ShardStat is the subset of shardcore.Stat the metrics registry reports.
// Defined locally rather than imported so metricsx doesn't depend on
// shardcore for a single snapshot shape.
type ShardStat struct {
	Locked       bool
	Size         int
	MaxSize      int
	Distribution map[float64]int
}

// SetShardStat updates the size/max-size/locked gauges and the per-bucket
// record-count histogram from a shard engine snapshot. Callers poll their
// engine on an interval and push the result through here.
func (r *Registry) SetShardStat(stat ShardStat) {
	r.ShardSize.Set(float64(stat.Size))
	r.ShardMaxSize.Set(float64(stat.MaxSize))
	locked := 0.0
	if stat.Locked {
		locked = 1.0
	}
	r.ShardLocked.Set(locked)

	r.BucketCount.Reset()
	for bin, count := range stat.Distribution {
		r.BucketCount.WithLabelValues(formatBucketLabel(bin)).Set(float64(count))
	}
}

func formatBucketLabel(bin float64) string {
	return strconv.FormatFloat(bin, 'f', -1, 64)
}

// AdminServer is the small HTTP surface serving /healthz and /metrics.
type AdminServer struct {
	srv *http.Server
}

// NewAdminServer builds (but does not start) the admin HTTP server.
func NewAdminServer(addr string, reg *Registry) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{}))

	return &AdminServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks serving the admin mux until Shutdown is called.
func (a *AdminServer) ListenAndServe() error {
	err := a.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin mux.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}
