// Package sink defines where status updates and alarm events go once
// produced: a StatusSink publishes the node's lifecycle status, an
// AlarmSink publishes closed alarm events. A LogSink satisfies both for
// local operation; HTTPSink posts JSON to a configured collector, the
// concrete collector endpoint being the
// out-of-scope collaborator itself.
package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/alarm"
	"github.com/shm-gw/sensor-gateway/internal/logging"
)

// StatusSink receives node lifecycle status updates.
type StatusSink interface {
	Status(ctx context.Context, code int, message string) error
}

// AlarmSink receives both the trigger-time alert and the closed event's
// waveform data.
type AlarmSink interface {
	// Alert notifies the collector the instant an event triggers.
	Alert(ctx context.Context, triggerTSMs int64, status int, uuid string) error
	// Alarm ships the closed event's pre-roll + post-trigger waveform.
	Alarm(ctx context.Context, event alarm.Published) error
}

// LogSink logs status and alarm events at INFO level; the default sink
// when no external collector is configured.
type LogSink struct {
	uuid string
	log  *slog.Logger
}

// NewLogSink constructs a LogSink, defaulting to the global logger.
func NewLogSink(uuid string, l *slog.Logger) *LogSink {
	if l == nil {
		l = logging.L()
	}
	return &LogSink{uuid: uuid, log: l}
}

func (s *LogSink) Status(ctx context.Context, code int, message string) error {
	s.log.Info("sensor_status", "code", code, "message", message)
	return nil
}

func (s *LogSink) Alert(ctx context.Context, triggerTSMs int64, status int, uuid string) error {
	s.log.Info("alarm_alert", "trigger_ts_ms", triggerTSMs, "status", status, "uuid", uuid)
	return nil
}

func (s *LogSink) Alarm(ctx context.Context, event alarm.Published) error {
	s.log.Info("alarm_event", "trigger_ts_ms", event.TriggerTSMs, "data_ts_ms", event.DataTSMs,
		"chmax_pct", event.ChMaxPct, "samples", len(event.Buffer), "uuid", s.uuid)
	return nil
}

// HTTPSink posts status/alarm payloads as JSON to a collector endpoint.
type HTTPSink struct {
	baseURL string
	uuid    string
	client  *http.Client
	log     *slog.Logger
}

// NewHTTPSink constructs an HTTPSink targeting baseURL; status updates
// post to baseURL+"/status", alerts and alarm events to baseURL+"/alert".
func NewHTTPSink(baseURL, uuid string, timeout time.Duration, l *slog.Logger) *HTTPSink {
	if l == nil {
		l = logging.L()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		baseURL: baseURL,
		uuid:    uuid,
		client:  &http.Client{Timeout: timeout},
		log:     l,
	}
}

type statusPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *HTTPSink) Status(ctx context.Context, code int, message string) error {
	return s.post(ctx, "/status", statusPayload{Code: code, Message: message})
}

type alertPayload struct {
	TriggerTSMs int64  `json:"trigger_ts_ms"`
	ProcStatus  int    `json:"procStatus"`
	UUID        string `json:"uuid"`
}

func (s *HTTPSink) Alert(ctx context.Context, triggerTSMs int64, status int, uuid string) error {
	return s.post(ctx, "/alert", alertPayload{
		TriggerTSMs: triggerTSMs,
		ProcStatus:  status,
		UUID:        uuid,
	})
}

type alarmDataPayload struct {
	TriggerTSMs int64  `json:"trigger_ts_ms"`
	DataTSMs    int64  `json:"data_ts_ms"`
	PayloadBlob string `json:"payload_blob"`
	UUID        string `json:"uuid"`
}

func (s *HTTPSink) Alarm(ctx context.Context, event alarm.Published) error {
	return s.post(ctx, "/alert", alarmDataPayload{
		TriggerTSMs: event.TriggerTSMs,
		DataTSMs:    event.DataTSMs,
		PayloadBlob: base64.StdEncoding.EncodeToString(event.Payload()),
		UUID:        s.uuid,
	})
}

func (s *HTTPSink) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sink: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("sink_post_non_2xx", "path", path, "status", resp.StatusCode)
	}
	return nil
}
