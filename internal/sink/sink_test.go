package sink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/alarm"
	"github.com/shm-gw/sensor-gateway/internal/shm"
)

func TestLogSinkStatusAndAlarm(t *testing.T) {
	s := NewLogSink("u-1", nil)
	if err := s.Status(context.Background(), 1, "starting"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := s.Alert(context.Background(), 10, alarm.AlertStatusTriggered, "u-1"); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if err := s.Alarm(context.Background(), alarm.Published{TriggerTSMs: 1, ChMaxPct: 2}); err != nil {
		t.Fatalf("Alarm: %v", err)
	}
}

func TestHTTPSinkPostsStatus(t *testing.T) {
	var gotPath string
	var gotBody statusPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "u-1", time.Second, nil)
	if err := s.Status(context.Background(), 3, "running"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if gotPath != "/status" {
		t.Fatalf("expected /status, got %s", gotPath)
	}
	if gotBody.Code != 3 || gotBody.Message != "running" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
}

func TestHTTPSinkPostsAlert(t *testing.T) {
	var gotPath string
	var gotBody alertPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "u-1", time.Second, nil)
	if err := s.Alert(context.Background(), 42, alarm.AlertStatusTriggered, "u-1"); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if gotPath != "/alert" {
		t.Fatalf("expected /alert, got %s", gotPath)
	}
	if gotBody.TriggerTSMs != 42 || gotBody.ProcStatus != alarm.AlertStatusTriggered || gotBody.UUID != "u-1" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
}

func TestHTTPSinkPostsAlarmDataBlob(t *testing.T) {
	var gotBody alarmDataPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "u-1", time.Second, nil)
	event := alarm.Published{
		TriggerTSMs: 42,
		DataTSMs:    10,
		Buffer: []shm.HistoryPoint{
			{TSMs: 10, Accel: []float32{1, 2, 3}},
		},
	}
	if err := s.Alarm(context.Background(), event); err != nil {
		t.Fatalf("Alarm: %v", err)
	}
	if gotBody.TriggerTSMs != 42 || gotBody.DataTSMs != 10 || gotBody.UUID != "u-1" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
	want := base64.StdEncoding.EncodeToString(event.Payload())
	if gotBody.PayloadBlob != want {
		t.Fatalf("expected payload blob %q, got %q", want, gotBody.PayloadBlob)
	}
}
