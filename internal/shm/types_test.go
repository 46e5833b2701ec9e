package shm

import (
	"errors"
	"testing"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
)

func TestSensorConfigValid(t *testing.T) {
	cfg := NewSensorConfig("uuid-1", "aabbccddeeff", "11114455")
	if err := cfg.Valid(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestSensorConfigValidChannelMap(t *testing.T) {
	cases := []struct {
		name string
		ch   string
		want error
	}{
		{"too short", "1111", gwerr.ErrInvalidChannelMap},
		{"bad digit", "11116789", gwerr.ErrInvalidChannelMap},
		{"ok", "12345111", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewSensorConfig("u", "m", tc.ch)
			err := cfg.Valid()
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSensorConfigValidNReports(t *testing.T) {
	cfg := NewSensorConfig("u", "m", "11114455")
	cfg.NReports = 0
	if !errors.Is(cfg.Valid(), gwerr.ErrInvalidNReports) {
		t.Fatalf("expected ErrInvalidNReports for 0")
	}
	cfg.NReports = 11
	if !errors.Is(cfg.Valid(), gwerr.ErrInvalidNReports) {
		t.Fatalf("expected ErrInvalidNReports for 11")
	}
}

func TestSensorConfigValidHeaderLen(t *testing.T) {
	cfg := NewSensorConfig("u", "m", "11114455")
	cfg.HeaderLen = 38
	if !errors.Is(cfg.Valid(), gwerr.ErrInvalidHeaderLen) {
		t.Fatalf("expected ErrInvalidHeaderLen")
	}
}

func TestNowMsMonotonicIncreasing(t *testing.T) {
	a := NowMs()
	b := NowMs()
	if b < a {
		t.Fatalf("NowMs went backwards: %d -> %d", a, b)
	}
}
