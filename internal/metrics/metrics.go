package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shm-gw/sensor-gateway/internal/logging"
)

// Prometheus counters and gauges.
var (
	FramesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_frames_parsed_total",
		Help: "Total frames successfully parsed from the sensor stream.",
	})
	FramesResynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_frames_resynced_total",
		Help: "Total resync events triggered by a bad sync word, length, or CRC.",
	})
	CRCMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_crc_mismatches_total",
		Help: "Total header CRC mismatches observed.",
	})
	BufferTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_buffer_truncations_total",
		Help: "Total times the framer buffer exceeded its cap and was truncated.",
	})
	ReportsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_reports_decoded_total",
		Help: "Total payload reports decoded.",
	})
	SamplesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_samples_stored_total",
		Help: "Total samples written to the rotating data store.",
	})
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_bytes_written_total",
		Help: "Total bytes written to data files.",
	})
	FilesRotated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_files_rotated_total",
		Help: "Total data files closed and rotated.",
	})
	AlarmsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_alarms_triggered_total",
		Help: "Total alarm trigger events (FFT flag set while the STA/LTA prealarm is raised).",
	})
	AlarmsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_alarms_closed_total",
		Help: "Total alarm events closed and published.",
	})
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_queue_dropped_total",
		Help: "Total raw chunks dropped because the packet queue was full.",
	})
	AcceptWatchdogFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_accept_watchdog_fires_total",
		Help: "Total accept-watchdog expirations (no client connected in time).",
	})
	ReadWatchdogFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_read_watchdog_fires_total",
		Help: "Total read-watchdog expirations (no data from the client in time).",
	})
	NodeRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shm_node_restarts_total",
		Help: "Total node restart cycles.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shm_queue_depth",
		Help: "Current depth of the packet handler queue.",
	})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shm_connected_clients",
		Help: "1 if a sensor board is currently connected, else 0.",
	})
	OpenAlarmEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shm_open_alarm_events",
		Help: "Number of alarm events currently open awaiting close.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shm_errors_total",
		Help: "Error counters by subsystem, labeled with a bounded set of reasons.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics and a readiness probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to snapshot for periodic structured logging.
var (
	localFramesParsed   uint64
	localResyncs        uint64
	localCRCMismatches  uint64
	localTruncations    uint64
	localReportsDecoded uint64
	localSamplesStored  uint64
	localBytesWritten   uint64
	localFilesRotated   uint64
	localAlarmsTrig     uint64
	localAlarmsClosed   uint64
	localQueueDropped   uint64
	localAcceptWDFires  uint64
	localReadWDFires    uint64
	localNodeRestarts   uint64
	localErrors         uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FramesParsed      uint64
	Resyncs           uint64
	CRCMismatches     uint64
	BufferTruncations uint64
	ReportsDecoded    uint64
	SamplesStored     uint64
	BytesWritten      uint64
	FilesRotated      uint64
	AlarmsTriggered   uint64
	AlarmsClosed      uint64
	QueueDropped      uint64
	AcceptWDFires     uint64
	ReadWDFires       uint64
	NodeRestarts      uint64
	Errors            uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesParsed:      atomic.LoadUint64(&localFramesParsed),
		Resyncs:           atomic.LoadUint64(&localResyncs),
		CRCMismatches:     atomic.LoadUint64(&localCRCMismatches),
		BufferTruncations: atomic.LoadUint64(&localTruncations),
		ReportsDecoded:    atomic.LoadUint64(&localReportsDecoded),
		SamplesStored:     atomic.LoadUint64(&localSamplesStored),
		BytesWritten:      atomic.LoadUint64(&localBytesWritten),
		FilesRotated:      atomic.LoadUint64(&localFilesRotated),
		AlarmsTriggered:   atomic.LoadUint64(&localAlarmsTrig),
		AlarmsClosed:      atomic.LoadUint64(&localAlarmsClosed),
		QueueDropped:      atomic.LoadUint64(&localQueueDropped),
		AcceptWDFires:     atomic.LoadUint64(&localAcceptWDFires),
		ReadWDFires:       atomic.LoadUint64(&localReadWDFires),
		NodeRestarts:      atomic.LoadUint64(&localNodeRestarts),
		Errors:            atomic.LoadUint64(&localErrors),
	}
}

func IncFramesParsed() {
	FramesParsed.Inc()
	atomic.AddUint64(&localFramesParsed, 1)
}

func IncResync() {
	FramesResynced.Inc()
	atomic.AddUint64(&localResyncs, 1)
}

func IncCRCMismatch() {
	CRCMismatches.Inc()
	atomic.AddUint64(&localCRCMismatches, 1)
}

func IncBufferTruncation() {
	BufferTruncations.Inc()
	atomic.AddUint64(&localTruncations, 1)
}

func AddReportsDecoded(n int) {
	ReportsDecoded.Add(float64(n))
	atomic.AddUint64(&localReportsDecoded, uint64(n))
}

func IncSamplesStored() {
	SamplesStored.Inc()
	atomic.AddUint64(&localSamplesStored, 1)
}

func AddBytesWritten(n int) {
	BytesWritten.Add(float64(n))
	atomic.AddUint64(&localBytesWritten, uint64(n))
}

func IncFilesRotated() {
	FilesRotated.Inc()
	atomic.AddUint64(&localFilesRotated, 1)
}

func IncAlarmTriggered() {
	AlarmsTriggered.Inc()
	atomic.AddUint64(&localAlarmsTrig, 1)
}

func IncAlarmClosed() {
	AlarmsClosed.Inc()
	atomic.AddUint64(&localAlarmsClosed, 1)
}

func IncQueueDropped() {
	QueueDropped.Inc()
	atomic.AddUint64(&localQueueDropped, 1)
}

func IncAcceptWatchdog() {
	AcceptWatchdogFires.Inc()
	atomic.AddUint64(&localAcceptWDFires, 1)
}

func IncReadWatchdog() {
	ReadWatchdogFires.Inc()
	atomic.AddUint64(&localReadWDFires, 1)
}

func IncNodeRestart() {
	NodeRestarts.Inc()
	atomic.AddUint64(&localNodeRestarts, 1)
}

func SetQueueDepth(n int) { QueueDepth.Set(float64(n)) }

func SetConnected(connected bool) {
	if connected {
		ConnectedClients.Set(1)
		return
	}
	ConnectedClients.Set(0)
}

func SetOpenAlarmEvents(n int) { OpenAlarmEvents.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers bounded error
// label series so the first error of each kind doesn't pay registration
// latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		"sync_not_found", "short_frame", "crc_mismatch", "frame_too_large",
		"buffer_capped", "header_too_short", "payload_too_short",
		"timestamp_skew", "storer_write", "storer_rotate", "storer_rename",
		"listen", "accept", "accept_timeout", "conn_read", "read_timeout",
		"first_packet_timeout", "closed_by_peer", "board_dial",
		"board_timeout", "board_reply", "other",
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
