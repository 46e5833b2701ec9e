package frame

import (
	"hash/crc32"
	"testing"

	"github.com/shm-gw/sensor-gateway/internal/shm"
)

func testCfg() shm.SensorConfig {
	cfg := shm.NewSensorConfig("u", "aabbccddeeff", "11114455")
	cfg.HeaderLen = 36
	cfg.ReportLen = 52
	cfg.NReports = 1
	return cfg
}

func buildHeader(nreports int, headerOnly bool) []byte {
	h := make([]byte, 36)
	h[0], h[1] = 0xA5, 0x5A
	pre1 := byte(nreports & 0x0F)
	pre2 := byte(0)
	if headerOnly {
		pre2 |= 1 << 3
	}
	h[2] = pre1
	h[3] = pre2
	return h
}

func buildReport() []byte {
	return make([]byte, 52)
}

func TestFramerExtractsSingleFrame(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(1, false)
	frame := append(append([]byte{}, header...), buildReport()...)

	var got [][]byte
	n := f.Feed(frame, func(fr []byte) { got = append(got, fr) })
	if n != 1 {
		t.Fatalf("expected 1 frame, got %d", n)
	}
	if len(got[0]) != 36+52 {
		t.Fatalf("unexpected frame length %d", len(got[0]))
	}
}

func TestFramerResyncsOnGarbagePrefix(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(1, false)
	frame := append(append([]byte{}, header...), buildReport()...)
	input := append([]byte{0x00, 0x01, 0x02}, frame...)

	var got [][]byte
	n := f.Feed(input, func(fr []byte) { got = append(got, fr) })
	if n != 1 {
		t.Fatalf("expected 1 frame after resync, got %d", n)
	}
}

func TestFramerWaitsForMoreData(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(1, false)
	partial := append([]byte{}, header...)
	partial = append(partial, buildReport()[:20]...)

	var got [][]byte
	n := f.Feed(partial, func(fr []byte) { got = append(got, fr) })
	if n != 0 {
		t.Fatalf("expected 0 frames for a partial buffer, got %d", n)
	}

	rest := buildReport()[20:]
	n2 := f.Feed(rest, func(fr []byte) { got = append(got, fr) })
	if n2 != 1 {
		t.Fatalf("expected 1 frame once the rest arrives, got %d", n2)
	}
}

func TestFramerHandlesHeaderOnly(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(0, true)

	var got [][]byte
	n := f.Feed(header, func(fr []byte) { got = append(got, fr) })
	if n != 1 {
		t.Fatalf("expected 1 header-only frame, got %d", n)
	}
	if len(got[0]) != 36 {
		t.Fatalf("expected 36-byte frame, got %d", len(got[0]))
	}
}

func TestFramerMultipleFramesInOneFeed(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(1, false)
	one := append(append([]byte{}, header...), buildReport()...)
	two := append(append([]byte{}, one...), one...)

	var got [][]byte
	n := f.Feed(two, func(fr []byte) { got = append(got, fr) })
	if n != 2 {
		t.Fatalf("expected 2 frames, got %d", n)
	}
}

func TestFramerIgnoresInteriorSyncWordInPayload(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(1, false)
	report := buildReport()
	// Plant a literal sync word at an arbitrary interior payload offset.
	report[10], report[11] = 0xA5, 0x5A
	frame := append(append([]byte{}, header...), report...)

	var got [][]byte
	n := f.Feed(frame, func(fr []byte) { got = append(got, fr) })
	if n != 1 {
		t.Fatalf("expected exactly 1 frame despite interior sync word, got %d", n)
	}
	if len(got[0]) != 36+52 {
		t.Fatalf("unexpected frame length %d", len(got[0]))
	}
}

func TestFramerHeaderCRCFlipTriggersResync(t *testing.T) {
	cfg := testCfg()
	cfg.HeaderLen = 40
	cfg.CRCEnabled = true
	cfg.CRCStrict = true

	var resynced []string
	f := New(cfg, WithResyncHook(func(reason string, err error) { resynced = append(resynced, reason) }))

	buildCRCHeader := func(nreports int) []byte {
		h := make([]byte, 40)
		h[0], h[1] = 0xA5, 0x5A
		h[2] = byte(nreports & 0x0F)
		crc := crc32.ChecksumIEEE(h[:36])
		h[36] = byte(crc)
		h[37] = byte(crc >> 8)
		h[38] = byte(crc >> 16)
		h[39] = byte(crc >> 24)
		return h
	}

	bad := buildCRCHeader(1)
	bad[5] ^= 0xFF // flip a header bit, leaving the stored CRC stale
	badFrame := append(append([]byte{}, bad...), buildReport()...)

	good := buildCRCHeader(1)
	goodFrame := append(append([]byte{}, good...), buildReport()...)

	input := append(append([]byte{}, badFrame...), goodFrame...)

	var got [][]byte
	f.Feed(input, func(fr []byte) { got = append(got, fr) })

	if len(got) != 1 {
		t.Fatalf("expected the corrupt frame discarded and the next one emitted, got %d frames", len(got))
	}
	found := false
	for _, r := range resynced {
		if r == "crc_mismatch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a crc_mismatch resync, got reasons %v", resynced)
	}
}

func TestFramerBoundaryDesyncResyncs(t *testing.T) {
	f := New(testCfg())
	header := buildHeader(1, false)
	good := append(append([]byte{}, header...), buildReport()...)
	// Splice two junk bytes between two well-formed frames so the bytes
	// after the first frame are not a sync word and the boundary check has
	// to resync.
	junk := []byte{0xDE, 0xAD}
	next := append(append([]byte{}, header...), buildReport()...)
	input := append(append(append([]byte{}, good...), junk...), next...)

	var got [][]byte
	f.Feed(input, func(fr []byte) { got = append(got, fr) })
	if len(got) < 1 {
		t.Fatalf("expected at least 1 frame despite boundary desync, got %d", len(got))
	}
}
