package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/msgbuf/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Append path metrics
	AppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_appends_total",
		Help: "Total messages appended to the buffer",
	}, []string{"dir"})

	AppendBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_append_bytes_total",
		Help: "Total encoded record bytes appended",
	}, []string{"dir"})

	SegmentRollovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_segment_rollovers_total",
		Help: "Segments sealed because the active segment filled up",
	}, []string{"dir"})

	SyncOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_sync_ops_total",
		Help: "Explicit and auto-sync checkpoints of the active segment",
	}, []string{"dir"})

	// Ring metrics
	BufferSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgbuf_buffer_size_bytes",
		Help: "Total on-disk size of the buffer",
	}, []string{"dir"})

	SegmentCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgbuf_segment_count",
		Help: "Live segment files in the ring window",
	}, []string{"dir"})

	SegmentsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_segments_deleted_total",
		Help: "Segments reclaimed by ring cleanup",
	}, []string{"dir"})

	CleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_cleanup_runs_total",
		Help: "Ring cleanup passes",
	}, []string{"dir"})

	// Cursor metrics
	CursorsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgbuf_cursors_open",
		Help: "Currently open cursors",
	}, []string{"dir"})

	CursorWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_cursor_waits_total",
		Help: "Blocking cursor waits for new messages",
	}, []string{"dir"})

	// Ingest metrics
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_messages_ingested_total",
		Help: "Messages spooled into the buffer from NATS",
	}, []string{"subject"})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_ingest_errors_total",
		Help: "Append failures on the ingest path",
	}, []string{"subject"})

	// Archive metrics
	ArchiveUploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgbuf_archive_upload_duration_seconds",
		Help:    "S3 upload latency for reclaimed segments",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"bucket"})

	ArchiveUploadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuf_archive_upload_errors_total",
		Help: "S3 upload failures for reclaimed segments",
	}, []string{"bucket"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
