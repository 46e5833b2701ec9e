// Package alarm implements the STA/LTA + FFT alarm state machine: it
// raises a trigger when STA/LTA has been active and an FFT-tagged frame
// arrives, accumulates a pre-roll history buffer plus a post-trigger
// event window, and publishes the event once the window closes.
package alarm

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/logging"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
	"github.com/shm-gw/sensor-gateway/internal/shm"
)

const (
	defaultPrealarmClearMs = 30_000
	defaultEventPostMs     = 45_000

	// AlertStatusTriggered is the status code carried by the trigger-time
	// alert; the event-close notification carries the waveform instead of
	// a status.
	AlertStatusTriggered = 1
)

// Published is an alarm event handed to the alarm sink once its window
// closes.
type Published struct {
	TriggerTSMs int64
	DataTSMs    int64 // timestamp of the first buffered sample
	ChMaxPct    uint8
	Buffer      []shm.HistoryPoint
}

// Payload serializes the buffered samples into the concatenated
// little-endian byte string a collector expects: per sample, its
// accelerometer channels, its integrated-temperature channels, the
// frame's header metrics, then the raw 8-byte header timestamp.
func (p Published) Payload() []byte {
	out := make([]byte, 0, len(p.Buffer)*48)
	for _, hp := range p.Buffer {
		for _, v := range hp.Accel {
			out = appendFloat32(out, v)
		}
		for _, v := range hp.Integrated {
			out = appendFloat32(out, v)
		}
		for _, v := range hp.Metrics {
			out = appendFloat32(out, v)
		}
		out = append(out, hp.HeaderTSRaw[:]...)
	}
	return out
}

func appendFloat32(b []byte, v float32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	return append(b, tmp[:]...)
}

// Engine tracks alarm state across frames. One Engine instance serves the
// whole process; its state carries over when the board reconnects.
type Engine struct {
	mu sync.Mutex

	prealarmClearMs int64
	eventPostMs     int64
	historyCap      int
	onPublish       func(Published)
	onAlert         func(triggerTSMs int64, status int)
	log             *slog.Logger

	alarmState       bool
	triggered        bool
	alarmStateTSMs   int64
	triggerTSMs      int64
	lastChMaxPct     uint8
	events           []*openEvent
	history          []shm.HistoryPoint

	stalActive bool
	fftActive  bool
}

type openEvent struct {
	triggerTSMs   int64
	lastAlarmTSMs int64
	buffer        []shm.HistoryPoint
	bufferInit    bool
	closeDeadline int64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithPrealarmClear overrides the 30s default no-update prealarm timeout.
func WithPrealarmClear(d time.Duration) Option {
	return func(e *Engine) { e.prealarmClearMs = d.Milliseconds() }
}

// WithEventWindow overrides the 45s default post-trigger window.
func WithEventWindow(d time.Duration) Option {
	return func(e *Engine) { e.eventPostMs = d.Milliseconds() }
}

// WithHistoryCapacity bounds the pre-roll ring buffer; frequencyHz*30 is
// the usual sizing (30s of pre-roll at the sensor's sample rate).
func WithHistoryCapacity(n int) Option {
	return func(e *Engine) { e.historyCap = n }
}

// WithLogger overrides the logger used for alarm transitions.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOnAlert registers a callback invoked (outside the engine's lock)
// the moment a new event triggers, carrying the trigger timestamp and the
// alert status.
func WithOnAlert(fn func(triggerTSMs int64, status int)) Option {
	return func(e *Engine) { e.onAlert = fn }
}

// New constructs an Engine. onPublish is invoked (outside the engine's
// lock) once per closed event.
func New(onPublish func(Published), opts ...Option) *Engine {
	e := &Engine{
		prealarmClearMs: defaultPrealarmClearMs,
		eventPostMs:     defaultEventPostMs,
		historyCap:      30 * 200,
		onPublish:       onPublish,
		log:             logging.L(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate updates alarm state from one decoded header; events that close
// as a result are delivered via onPublish.
func (e *Engine) Evaluate(hdr shm.FrameHeader, nowMs int64) {
	e.mu.Lock()
	e.logFlagTransition(hdr.STALTA, hdr.FFT)
	justTriggered := false

	if hdr.STALTA {
		if !e.alarmState && e.log != nil {
			e.log.Info("alarm_prealarm_entered")
		}
		e.alarmState = true
		e.alarmStateTSMs = nowMs
		if e.triggered {
			for _, ev := range e.events {
				if ev.triggerTSMs == e.triggerTSMs {
					ev.lastAlarmTSMs = nowMs
					break
				}
			}
		}
	}

	if e.alarmState && !e.triggered && hdr.FFT {
		e.triggered = true
		e.triggerTSMs = nowMs
		e.lastChMaxPct = hdr.ChMaxPct
		if e.log != nil {
			e.log.Info("alarm_triggered", "chmax_pct", hdr.ChMaxPct)
		}
		e.events = append(e.events, &openEvent{
			triggerTSMs:   nowMs,
			lastAlarmTSMs: e.alarmStateTSMs,
			closeDeadline: nowMs + e.eventPostMs,
		})
		metrics.IncAlarmTriggered()
		justTriggered = true
	}

	if e.alarmState && nowMs-e.alarmStateTSMs > e.prealarmClearMs {
		if e.log != nil {
			e.log.Info("alarm_reset")
		}
		e.alarmState = false
		e.triggered = false
	}

	e.closeExpired(nowMs)
	metrics.SetOpenAlarmEvents(len(e.events))
	triggerTSMs := e.triggerTSMs
	e.mu.Unlock()

	if justTriggered && e.onAlert != nil {
		go e.onAlert(triggerTSMs, AlertStatusTriggered)
	}
}

// AddHistory feeds one sample into the pre-roll ring buffer and into any
// open event windows, closing events whose deadline has passed.
func (e *Engine) AddHistory(hp shm.HistoryPoint) {
	e.mu.Lock()
	for _, ev := range e.events {
		if !ev.bufferInit {
			ev.buffer = append(ev.buffer, e.history...)
			ev.bufferInit = true
			if e.log != nil {
				e.log.Info("alarm_event_buffer_created")
			}
		}
		ev.buffer = append(ev.buffer, hp)
	}
	e.history = append(e.history, hp)
	if len(e.history) > e.historyCap {
		e.history = e.history[len(e.history)-e.historyCap:]
	}
	e.closeExpired(hp.TSMs)
	metrics.SetOpenAlarmEvents(len(e.events))
	e.mu.Unlock()
}

// closeExpired must be called with e.mu held.
func (e *Engine) closeExpired(nowMs int64) {
	kept := e.events[:0]
	var toPublish []Published
	for _, ev := range e.events {
		if nowMs >= ev.closeDeadline {
			dataTSMs := ev.triggerTSMs
			if len(ev.buffer) > 0 {
				dataTSMs = ev.buffer[0].TSMs
			}
			toPublish = append(toPublish, Published{
				TriggerTSMs: ev.triggerTSMs,
				DataTSMs:    dataTSMs,
				ChMaxPct:    e.lastChMaxPct,
				Buffer:      ev.buffer,
			})
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
	if len(e.events) == 0 {
		e.triggered = false
	}
	if len(toPublish) > 0 {
		go func() {
			for _, p := range toPublish {
				metrics.IncAlarmClosed()
				if e.onPublish != nil {
					e.onPublish(p)
				}
			}
		}()
	}
}

// logFlagTransition logs STA/LTA and FFT flags only on edges, never on
// every frame, so a long-held flag doesn't flood the log.
func (e *Engine) logFlagTransition(stalta, fft bool) {
	if e.log == nil {
		return
	}
	if stalta != e.stalActive {
		if stalta {
			e.log.Info("alarm_stalta_raise")
		} else {
			e.log.Info("alarm_stalta_clear")
		}
		e.stalActive = stalta
	}
	if fft != e.fftActive {
		if fft {
			e.log.Info("alarm_fft_raise")
		} else {
			e.log.Info("alarm_fft_clear")
		}
		e.fftActive = fft
	}
}

// OpenEventCount reports how many alarm events are currently open.
func (e *Engine) OpenEventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
