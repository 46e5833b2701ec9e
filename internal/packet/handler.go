// Package packet wires the framer, header decoder, alarm engine, and
// payload decoder into a single pipeline fed by a bounded queue and
// drained by one worker goroutine: a bounded queue plus single worker
// applied to the sensor's four-stage parsing pipeline.
package packet

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/alarm"
	"github.com/shm-gw/sensor-gateway/internal/frame"
	"github.com/shm-gw/sensor-gateway/internal/header"
	"github.com/shm-gw/sensor-gateway/internal/logging"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
	"github.com/shm-gw/sensor-gateway/internal/payload"
	"github.com/shm-gw/sensor-gateway/internal/shm"
	"github.com/shm-gw/sensor-gateway/internal/storer"
)

const (
	defaultQueueSize   = 200
	dropLogMinInterval = 5 * time.Second
)

type chunk struct {
	data []byte
	rx   time.Time
}

// Handler is the per-connection packet pipeline: frame -> header ->
// alarm -> payload -> storer.
type Handler struct {
	cfg shm.SensorConfig
	log *slog.Logger

	framer      *frame.Framer
	hdrGuard    *header.TimestampGuard
	tsCheck     *payload.TSCheck
	decoder     *payload.Decoder
	alarmEngine *alarm.Engine
	store       *storer.Storer
	maxBuffer   int

	queue   chan chunk
	running atomic.Bool
	wg      sync.WaitGroup

	dropCount      atomic.Uint64
	lastDropLogged atomic.Int64

	nreportsWarned atomic.Bool
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithQueueSize overrides the default 200-chunk queue depth.
func WithQueueSize(n int) Option {
	return func(h *Handler) { h.queue = make(chan chunk, n) }
}

// WithLogger overrides the default global logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithStorer attaches the rotating file storer samples are written to.
func WithStorer(s *storer.Storer) Option {
	return func(h *Handler) { h.store = s }
}

// WithAlarmEngine attaches the alarm state machine.
func WithAlarmEngine(e *alarm.Engine) Option {
	return func(h *Handler) { h.alarmEngine = e }
}

// WithPayloadTSCheck attaches the per-sample timestamp sanity guard.
func WithPayloadTSCheck(c *payload.TSCheck) Option {
	return func(h *Handler) { h.tsCheck = c }
}

// WithMaxBuffer overrides the framer's buffer growth cap (default 4MiB).
func WithMaxBuffer(n int) Option {
	return func(h *Handler) { h.maxBuffer = n }
}

// New constructs a Handler bound to a sensor configuration. The caller is
// responsible for attaching a Storer and AlarmEngine via options before
// Start; a Handler with neither still frames and decodes, it just has
// nowhere to persist or publish.
func New(cfg shm.SensorConfig, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		log:      logging.L(),
		queue:    make(chan chunk, defaultQueueSize),
		hdrGuard: header.NewTimestampGuard(cfg.TSFutureSlackMs, cfg.TSBackstepTolMs),
	}
	for _, o := range opts {
		o(h)
	}
	var framerOpts []frame.Option
	if h.maxBuffer > 0 {
		framerOpts = append(framerOpts, frame.WithMaxBuffer(h.maxBuffer))
	}
	h.framer = frame.New(cfg, framerOpts...)
	h.decoder = payload.New(cfg)
	return h
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (h *Handler) Start() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	// Stop closes the queue, so every start gets a fresh one.
	h.queue = make(chan chunk, cap(h.queue))
	h.wg.Add(1)
	go h.run()
	h.log.Info("packet_handler_started")
}

// Stop signals the worker to exit and waits for it to drain.
func (h *Handler) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	close(h.queue)
	h.wg.Wait()
	h.log.Info("packet_handler_stopped")
}

// AddPacket enqueues a raw chunk read from the connection. If the queue is
// full the chunk is dropped and a rate-limited warning is logged; if the
// worker isn't running it is restarted, keeping the queue self-healing.
func (h *Handler) AddPacket(data []byte, rx time.Time) {
	if len(data) == 0 {
		return
	}
	if !h.running.Load() {
		h.Start()
	}
	select {
	case h.queue <- chunk{data: data, rx: rx}:
	default:
		n := h.dropCount.Add(1)
		last := h.lastDropLogged.Load()
		now := time.Now().UnixNano()
		if time.Duration(now-last) > dropLogMinInterval {
			h.lastDropLogged.Store(now)
			h.log.Warn("packet_queue_full", "dropped_total", n)
		}
		metrics.IncQueueDropped()
	}
}

func (h *Handler) run() {
	defer h.wg.Done()
	for c := range h.queue {
		metrics.SetQueueDepth(len(h.queue))
		h.framer.Feed(c.data, func(raw []byte) {
			h.handleFrame(raw, c.rx)
		})
	}
}

func (h *Handler) handleFrame(raw []byte, rx time.Time) {
	hdr := header.Decode(raw, h.cfg.TSUnit)

	if !h.hdrGuard.Check(hdr.TStampMs, rx) {
		h.log.Warn("header_timestamp_violation", "ts_ms", hdr.TStampMs)
		if h.cfg.TSHeaderDropOnViolation {
			return
		}
	}

	if hdr.NReports != 0 && hdr.NReports != h.cfg.NReports && h.nreportsWarned.CompareAndSwap(false, true) {
		h.log.Warn("nreports_differs_from_config", "header", hdr.NReports, "config", h.cfg.NReports)
	}

	nowMs := shm.NowMs()
	if h.alarmEngine != nil {
		h.alarmEngine.Evaluate(hdr, nowMs)
	}

	if hdr.HeaderOnly {
		return
	}

	payloadBytes := raw[h.cfg.HeaderLen:]
	decoded, err := h.decoder.DecodeFrame(payloadBytes, hdr, h.tsCheck)
	if err != nil {
		h.log.Warn("payload_decode_failed", "error", err)
		return
	}
	metrics.AddReportsDecoded(len(decoded))

	for _, d := range decoded {
		if h.alarmEngine != nil {
			h.alarmEngine.AddHistory(d.History)
		}
		if d.Skipped || d.Sample == nil || h.store == nil {
			continue
		}
		tsUs := uint64(d.Sample.TSAbsMs) * 1000
		if err := h.store.Save(tsUs, d.Sample.AX, d.Sample.AY, d.Sample.AZ, d.Sample.Temp); err != nil {
			h.log.Error("storer_save_failed", "error", err)
		}
	}
}
