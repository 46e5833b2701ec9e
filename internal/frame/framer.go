// Package frame implements the streaming byte framer: it accumulates raw
// bytes from the sensor connection into a growing buffer, locates the sync
// word, validates the declared frame length against the configured header
// and report sizes, and emits complete raw frames. Corrupted or
// misaligned input is resynchronized the way a streaming frame codec
// resyncs a malformed UART stream.
package frame

import (
	"hash/crc32"
	"sync"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
	"github.com/shm-gw/sensor-gateway/internal/shm"
)

var syncA = [2]byte{0xA5, 0x5A}
var syncB = [2]byte{0x5A, 0xA5}

const (
	defaultMaxBuffer = 4 * 1024 * 1024
	boundaryWarnMin  = 300 * time.Millisecond
)

// Framer extracts complete frames from a byte stream per a fixed
// header+payload layout described by a SensorConfig.
type Framer struct {
	cfg    shm.SensorConfig
	buf    []byte
	maxBuf int

	mu         sync.Mutex
	lastWarn   map[string]time.Time
	crcWarned  bool
	resyncFn   func(reason string, err error)
}

// Option configures a Framer at construction.
type Option func(*Framer)

// WithMaxBuffer overrides the buffer growth cap (default 4MiB).
func WithMaxBuffer(n int) Option {
	return func(f *Framer) { f.maxBuf = n }
}

// WithResyncHook registers a callback invoked every time the framer
// discards bytes to resynchronize; useful for tests and diagnostics.
func WithResyncHook(fn func(reason string, err error)) Option {
	return func(f *Framer) { f.resyncFn = fn }
}

// New constructs a Framer for the given sensor configuration.
func New(cfg shm.SensorConfig, opts ...Option) *Framer {
	f := &Framer{
		cfg:      cfg,
		maxBuf:   defaultMaxBuffer,
		lastWarn: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func findSync(b []byte, start int) int {
	if start < 0 {
		start = 0
	}
	best := -1
	for i := start; i+1 < len(b); i++ {
		if (b[i] == syncA[0] && b[i+1] == syncA[1]) || (b[i] == syncB[0] && b[i+1] == syncB[1]) {
			best = i
			break
		}
	}
	return best
}

func isSyncAt(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return (b[0] == syncA[0] && b[1] == syncA[1]) || (b[0] == syncB[0] && b[1] == syncB[1])
}

func (f *Framer) resync(reason string, err error) {
	metrics.IncResync()
	if f.resyncFn != nil {
		f.resyncFn(reason, err)
	}
}

func (f *Framer) throttled(key string) bool {
	now := time.Now()
	last, ok := f.lastWarn[key]
	if ok && now.Sub(last) < boundaryWarnMin {
		return false
	}
	f.lastWarn[key] = now
	return true
}

// Feed appends newly read bytes and invokes out for every complete frame
// extracted. It returns the number of frames emitted.
func (f *Framer) Feed(data []byte, out func(frame []byte)) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, data...)
	if len(f.buf) > f.maxBuf {
		keep := 2 * f.cfg.HeaderLen
		if keep > len(f.buf) {
			keep = len(f.buf)
		}
		f.buf = append([]byte(nil), f.buf[len(f.buf)-keep:]...)
		metrics.IncBufferTruncation()
		f.resync("buffer_cap", gwerr.ErrBufferCapped)
	}

	n := 0
	for {
		before := len(f.buf)
		fr, ok := f.extractOne()
		if !ok {
			// A resync that discarded bytes may leave a complete frame
			// behind it; keep going while the buffer keeps shrinking.
			if len(f.buf) < before {
				continue
			}
			break
		}
		n++
		metrics.IncFramesParsed()
		out(fr)
	}
	return n
}

// extractOne implements the single-frame extraction step: find sync,
// validate header CRC, compute expected frame length from the header's
// nreports/header-only bits, wait for enough bytes, check the boundary
// sync, and return the frame or resync. Must be called with f.mu held.
func (f *Framer) extractOne() ([]byte, bool) {
	buf := f.buf
	if len(buf) == 0 {
		return nil, false
	}

	i := findSync(buf, 0)
	if i == -1 {
		if len(buf) > 1 {
			f.buf = buf[len(buf)-1:]
		}
		return nil, false
	}
	if i > 0 {
		f.buf = buf[i:]
		buf = f.buf
	}

	hdrLen := f.cfg.HeaderLen
	if len(buf) < hdrLen {
		return nil, false
	}
	header := buf[:hdrLen]

	if f.cfg.CRCEnabled {
		if hdrLen < 40 {
			if !f.crcWarned {
				f.crcWarned = true
				f.resync("crc_header_too_short", nil)
			}
		} else {
			stored := leUint32(header[hdrLen-4:])
			computed := crc32.ChecksumIEEE(header[:hdrLen-4])
			if stored != computed {
				metrics.IncCRCMismatch()
				if f.cfg.CRCStrict {
					j := findSync(buf, 1)
					if j == -1 {
						f.buf = buf[len(buf)-1:]
					} else {
						f.buf = buf[j:]
					}
					f.resync("crc_mismatch", gwerr.ErrCRCMismatch)
					return nil, false
				}
			}
		}
	}

	pre1 := header[2]
	pre2 := header[3]
	nreportsHdr := int(pre1 & 0x0F)
	headerOnly := (pre2>>3)&0x01 == 1

	var expectedPayload int
	var nrep int
	if headerOnly {
		expectedPayload = 0
	} else {
		nrep = nreportsHdr
		if nrep == 0 {
			nrep = f.cfg.NReports
		}
		expectedPayload = nrep * f.cfg.ReportLen
	}
	expectedTotal := hdrLen + expectedPayload

	if len(buf) < expectedTotal {
		return nil, false
	}

	if len(buf) >= expectedTotal+2 {
		boundary := buf[expectedTotal : expectedTotal+2]
		if !isSyncAt(boundary) {
			j := findSync(buf, 2)
			if j != -1 && j != expectedTotal {
				kind := "undersize"
				if j > expectedTotal {
					kind = "oversize"
				}
				key := kind
				if f.throttled(key) {
					f.resync("boundary_"+kind, gwerr.ErrShortFrame)
				}
				f.buf = buf[j:]
				return nil, false
			}
			j2 := findSync(buf, 1)
			if j2 == -1 {
				f.buf = buf[len(buf)-1:]
			} else {
				f.buf = buf[j2:]
			}
			f.resync("boundary_desync", gwerr.ErrShortFrame)
			return nil, false
		}
	}

	out := make([]byte, expectedTotal)
	copy(out, buf[:expectedTotal])
	f.buf = buf[expectedTotal:]

	if len(f.buf) >= 2 && !isSyncAt(f.buf[:2]) {
		j3 := findSync(f.buf, 1)
		if j3 == -1 {
			if len(f.buf) > 1 {
				f.buf = f.buf[len(f.buf)-1:]
			}
		} else {
			f.buf = f.buf[j3:]
		}
		f.resync("post_emit_desync", gwerr.ErrShortFrame)
	}

	return out, true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
