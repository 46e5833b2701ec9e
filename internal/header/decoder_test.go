package header

import (
	"testing"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/shm"
)

func buildHeader() []byte {
	h := make([]byte, 36)
	h[0], h[1] = 0xA5, 0x5A
	h[2] = 0b1100_0101 // fft=1 stalta=1 data_format=0 nreports=5
	h[3] = 0b0000_0110 // chmax=2(0b10) fourchannel=1 headeronly=0
	for i, v := range []byte{1, 0, 0, 0, 0, 0, 0, 0} {
		h[4+i] = v
	}
	return h
}

func TestDecodeHeaderFlags(t *testing.T) {
	hdr := Decode(buildHeader(), shm.TSUnitMillis)
	if !hdr.FFT || !hdr.STALTA {
		t.Fatalf("expected fft and stalta set, got %+v", hdr)
	}
	if hdr.NReports != 5 {
		t.Fatalf("expected nreports=5, got %d", hdr.NReports)
	}
	if hdr.ChMaxPct != 0b10 {
		t.Fatalf("expected chmax=2, got %d", hdr.ChMaxPct)
	}
	if !hdr.FourChannel {
		t.Fatalf("expected four-channel flag set")
	}
	if hdr.HeaderOnly {
		t.Fatalf("expected header-only unset")
	}
	if hdr.TStampMs != 1 {
		t.Fatalf("expected timestamp 1, got %d", hdr.TStampMs)
	}
}

func TestTimestampGuardRejectsFuture(t *testing.T) {
	g := NewTimestampGuard(2000, 0)
	now := time.UnixMilli(1_000_000)
	if !g.Check(1_000_000, now) {
		t.Fatalf("expected current timestamp to be accepted")
	}
	if g.Check(1_010_000, now) {
		t.Fatalf("expected far-future timestamp to be rejected")
	}
}

func TestTimestampGuardRejectsBackstep(t *testing.T) {
	g := NewTimestampGuard(2000, 100)
	now := time.UnixMilli(1_000_000)
	if !g.Check(1_000_000, now) {
		t.Fatalf("expected first timestamp to be accepted")
	}
	if g.Check(999_000, now) {
		t.Fatalf("expected large backstep to be rejected")
	}
	if !g.Check(999_950, now) {
		t.Fatalf("expected small backstep within tolerance to be accepted")
	}
}
