package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("SENSOR_PORT", "500")
	os.Setenv("SENSOR_ENABLE_HEADER_CRC32", "true")
	os.Setenv("SENSOR_READ_TIMEOUT", "2")
	os.Setenv("EVENT_POST_MS", "5000")
	t.Cleanup(func() {
		os.Unsetenv("SENSOR_PORT")
		os.Unsetenv("SENSOR_ENABLE_HEADER_CRC32")
		os.Unsetenv("SENSOR_READ_TIMEOUT")
		os.Unsetenv("EVENT_POST_MS")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.port != 500 {
		t.Fatalf("expected port override, got %d", base.port)
	}
	if !base.crcEnabled {
		t.Fatalf("expected crcEnabled true")
	}
	if base.readTimeout != 2*time.Second {
		t.Fatalf("expected readTimeout 2s, got %v", base.readTimeout)
	}
	if base.eventWindow != 5*time.Second {
		t.Fatalf("expected eventWindow 5s, got %v", base.eventWindow)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	base.port = 20000
	os.Setenv("SENSOR_PORT", "999")
	t.Cleanup(func() { os.Unsetenv("SENSOR_PORT") })

	if err := applyEnvOverrides(base, map[string]struct{}{"port": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.port != 20000 {
		t.Fatalf("expected flag to win over env, got %d", base.port)
	}
}

func TestApplyEnvOverrides_InvalidValue(t *testing.T) {
	base := validConfig()
	os.Setenv("SENSOR_PORT", "not-a-number")
	t.Cleanup(func() { os.Unsetenv("SENSOR_PORT") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for invalid SENSOR_PORT")
	}
}

func TestApplyEnvOverrides_BoardWDTInSeconds(t *testing.T) {
	base := validConfig()
	os.Setenv("SENSOR_BOARD_WDT", "20")
	t.Cleanup(func() { os.Unsetenv("SENSOR_BOARD_WDT") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.boardWDT != 20*time.Second {
		t.Fatalf("expected board-wdt 20s, got %v", base.boardWDT)
	}
}

func TestApplyEnvOverrides_DataDirLogDirRunDir(t *testing.T) {
	base := validConfig()
	os.Setenv("DATA_DIR", "/srv/shm/data")
	os.Setenv("LOG_DIR", "/srv/shm/log")
	os.Setenv("RUN_DIR", "/srv/shm/run")
	t.Cleanup(func() {
		os.Unsetenv("DATA_DIR")
		os.Unsetenv("LOG_DIR")
		os.Unsetenv("RUN_DIR")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.dataDir != "/srv/shm/data" || base.logDir != "/srv/shm/log" || base.runDir != "/srv/shm/run" {
		t.Fatalf("unexpected dirs: %+v", base)
	}
}

func TestApplyEnvOverrides_PacketAndRxOptions(t *testing.T) {
	base := validConfig()
	os.Setenv("PACKET_QUEUE_MAX", "50")
	os.Setenv("PACKET_BUFFER_MAX", "1048576")
	os.Setenv("SENSOR_RX_CHUNK", "8192")
	os.Setenv("SENSOR_AUTO_RESTART_ON_TIMEOUT", "0")
	t.Cleanup(func() {
		os.Unsetenv("PACKET_QUEUE_MAX")
		os.Unsetenv("PACKET_BUFFER_MAX")
		os.Unsetenv("SENSOR_RX_CHUNK")
		os.Unsetenv("SENSOR_AUTO_RESTART_ON_TIMEOUT")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.queueSize != 50 || base.packetBufferMax != 1048576 || base.rxChunk != 8192 {
		t.Fatalf("unexpected packet options: %+v", base)
	}
	if base.autoRestartOnTimeout {
		t.Fatalf("expected auto-restart-on-timeout false")
	}
}
