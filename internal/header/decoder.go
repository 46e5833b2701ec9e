// Package header decodes the fixed 36-byte frame header (plus an optional
// 4-byte trailing CRC already validated by the framer) into a
// shm.FrameHeader, and guards the header's embedded timestamp against
// excessive future drift or backward steps.
package header

import (
	"math"
	"sync"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/shm"
)

const headerFieldLen = 36

// Decode parses the first 36 bytes of header into a FrameHeader. raw must
// be at least 36 bytes; the framer guarantees this by construction.
func Decode(raw []byte, unit shm.TSUnit) shm.FrameHeader {
	h := raw[:headerFieldLen]
	pre1 := h[2]
	pre2 := h[3]

	var hdr shm.FrameHeader
	hdr.FFT = pre1&0b1000_0000 != 0
	hdr.STALTA = pre1&0b0100_0000 != 0
	hdr.DataFormat = shm.DataFormat((pre1 & 0b0011_0000) >> 4)
	hdr.NReports = int(pre1 & 0b0000_1111)

	hdr.ChMaxPct = pre2 & 0b0000_0011
	hdr.FourChannel = pre2&0b0000_0100 != 0
	hdr.HeaderOnly = pre2&0b0000_1000 != 0

	hdr.TStampRaw = leUint64(h[4:12])
	hdr.TStampMs = normalizeTS(hdr.TStampRaw, unit)

	for i := 0; i < 6; i++ {
		off := 12 + i*4
		hdr.Metrics[i] = leFloat32(h[off : off+4])
	}
	return hdr
}

func normalizeTS(raw uint64, unit shm.TSUnit) int64 {
	switch unit {
	case shm.TSUnitMillis:
		return int64(raw)
	case shm.TSUnitMicros:
		return int64(raw / 1000)
	default:
		// auto: treat as microseconds unless the value is already ms-scale.
		if raw > 1e14 {
			return int64(raw / 1000)
		}
		return int64(raw)
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

// TimestampGuard rejects header timestamps that drift too far into the
// future or regress past the configured tolerance, guarding against a
// misbehaving board clock.
type TimestampGuard struct {
	FutureSlackMs int64
	BackstepTolMs int64

	mu     sync.Mutex
	lastMs int64
	seen   bool
}

// NewTimestampGuard builds a guard with the given tolerances.
func NewTimestampGuard(futureSlackMs, backstepTolMs int64) *TimestampGuard {
	return &TimestampGuard{FutureSlackMs: futureSlackMs, BackstepTolMs: backstepTolMs}
}

// Check reports whether tsMs is acceptable relative to now and the last
// accepted timestamp. It advances the "last" watermark to max(tsMs, last)
// whether or not tsMs passes: a backstepped sample never lowers it, while
// a future-dated one raises it.
func (g *TimestampGuard) Check(tsMs int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMs := now.UnixMilli()
	ok := true
	if tsMs > nowMs+g.FutureSlackMs {
		ok = false
	}
	if g.seen {
		back := g.lastMs - tsMs
		if back > g.BackstepTolMs {
			ok = false
		}
	}
	if !g.seen || tsMs > g.lastMs {
		g.lastMs = tsMs
	}
	g.seen = true
	return ok
}
