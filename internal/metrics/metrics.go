package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	PagesTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cvesync_pages_total", Help: "feed pages fetched"})
	RecordsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cvesync_records_total", Help: "records processed"}, []string{"result"})
	WindowsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cvesync_windows_total", Help: "time windows processed"}, []string{"status"})
	FetchRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "cvesync_fetch_retries_total", Help: "transient feed failures retried"})
	BatchesTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cvesync_batches_total", Help: "upsert batches committed"}, []string{"status"})
)

func init() {
	prometheus.MustRegister(PagesTotal, RecordsTotal, WindowsTotal, FetchRetries, BatchesTotal)
}

func Serve(addr string, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
