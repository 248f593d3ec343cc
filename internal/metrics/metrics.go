// Package metrics exports the buffer cache and block device counters
// spec.md §6 calls for ("block-device read/write counters"; cache
// hit/miss counts) plus a free-sector gauge over Prometheus, the way
// gcsfuse exports its own runtime counters.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/vfs"
)

// Collector gauges the live state of one mounted filesystem. Unlike a
// plain counter vector, Reads/Writes/Hits/Misses are read on every scrape
// directly from their sources, so the exported series always reflect the
// current cumulative totals without a separate bookkeeping goroutine.
type Collector struct {
	dev *blockdev.Device
	fs  *vfs.FS

	reads, writes    prometheus.CounterFunc
	cacheHits        prometheus.CounterFunc
	cacheMisses      prometheus.CounterFunc
	freeSectorsGauge prometheus.GaugeFunc
}

// NewCollector builds the counters for dev/fs and registers them with the
// default Prometheus registry (via promauto).
func NewCollector(dev *blockdev.Device, fs *vfs.FS) *Collector {
	c := &Collector{dev: dev, fs: fs}

	c.reads = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "wicos64",
		Subsystem: "blockdev",
		Name:      "reads_total",
		Help:      "Completed block device sector reads.",
	}, func() float64 { return float64(dev.Reads()) })

	c.writes = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "wicos64",
		Subsystem: "blockdev",
		Name:      "writes_total",
		Help:      "Completed block device sector writes.",
	}, func() float64 { return float64(dev.Writes()) })

	c.cacheHits = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "wicos64",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Buffer cache hits.",
	}, func() float64 {
		hits, _ := fs.CacheStats()
		return float64(hits)
	})

	c.cacheMisses = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "wicos64",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Buffer cache misses.",
	}, func() float64 {
		_, misses := fs.CacheStats()
		return float64(misses)
	})

	c.freeSectorsGauge = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "wicos64",
		Subsystem: "freemap",
		Name:      "free_sectors",
		Help:      "Sectors not currently allocated.",
	}, func() float64 { return float64(fs.FreeSectors()) })

	return c
}

// Serve starts an HTTP server exporting /metrics on addr and blocks until
// ctx is canceled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
