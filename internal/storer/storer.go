// Package storer persists accelerometer/temperature samples into rotating
// binary files: a record is a little-endian (delta-microseconds uint32,
// 4 x float32) tuple, files are written under a temp directory with a
// ".part" suffix and atomically renamed into the data directory once
// rotated, named by their start/end timestamps and the sensor's MAC.
package storer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
	"github.com/shm-gw/sensor-gateway/internal/logging"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
)

const (
	recordLen      = 20 // u32 deltaT + 4 x float32
	gapRotateUs    = 2_000_000
	maxDeltaU32    = uint64(^uint32(0))
	revision       = "05"

	// minValidTS is the smallest accepted microsecond timestamp
	// (10_000_000_000 µs, under three hours past the Unix epoch); it guards
	// against a zero or garbage clock value.
	minValidTS = 10_000_000_000
)

// Option configures a Storer at construction.
type Option func(*Storer)

// WithFileDuration sets the target wall-clock duration of a data file;
// rotation also triggers at bytes_per_record * frequency * duration.
func WithFileDuration(seconds int) Option {
	return func(s *Storer) { s.fileDurationSec = seconds }
}

// WithLogger overrides the logger used for rotation/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storer) { s.log = l }
}

// WithStatusFunc registers a callback invoked after a file is rotated,
// used to push a status update to the monitoring sink after rotation.
func WithStatusFunc(fn func(path string, samples int)) Option {
	return func(s *Storer) { s.onRotate = fn }
}

// Storer writes samples for one sensor (identified by MAC) to rotating
// files under dataDir, staging in-progress files under tempDir.
type Storer struct {
	mac             string
	frequency       int
	tempDir         string
	dataDir         string
	fileDurationSec int
	log             *slog.Logger
	onRotate        func(path string, samples int)

	mu          sync.Mutex
	f           *os.File
	w           *bufio.Writer
	partPath    string
	startUs     uint64 // first sample's absolute timestamp, microseconds
	lastUs      uint64
	recordCount int
	closed      bool
}

// New constructs a Storer. tempDir and dataDir are created if missing.
func New(mac string, frequency int, tempDir, dataDir string, opts ...Option) (*Storer, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("storer: create temp dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storer: create data dir: %w", err)
	}
	s := &Storer{
		mac:             mac,
		frequency:       frequency,
		tempDir:         tempDir,
		dataDir:         dataDir,
		fileDurationSec: 600,
		log:             logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// rotateBytes is the byte threshold that forces a rotation regardless of
// elapsed wall-clock time.
func (s *Storer) rotateBytes() int64 {
	return int64(recordLen) * int64(s.frequency) * int64(s.fileDurationSec)
}

// Save validates and writes one sample. tsUs is the sample's absolute
// timestamp normalized to microseconds; the caller (packet.Handler, from the
// decoder's millisecond timestamp) is responsible for unit normalization.
func (s *Storer) Save(tsUs uint64, ax, ay, az, temp float32) error {
	if tsUs < minValidTS {
		metrics.IncError(gwerr.MetricLabel(gwerr.ErrInvalidTimestamp))
		return gwerr.ErrInvalidTimestamp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gwerr.ErrStorerClosed
	}

	if s.f == nil {
		if err := s.open(tsUs); err != nil {
			return err
		}
	} else if s.shouldRotate(tsUs) {
		if err := s.rotate(s.lastUs); err != nil {
			return err
		}
		if err := s.open(tsUs); err != nil {
			return err
		}
	}

	delta := tsUs - s.startUs
	if delta > maxDeltaU32 {
		if err := s.rotate(s.lastUs); err != nil {
			return err
		}
		if err := s.open(tsUs); err != nil {
			return err
		}
		delta = 0
	}

	var rec [recordLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(delta))
	putFloat32(rec[4:8], ax)
	putFloat32(rec[8:12], ay)
	putFloat32(rec[12:16], az)
	putFloat32(rec[16:20], temp)

	n, err := s.w.Write(rec[:])
	if err != nil {
		return fmt.Errorf("%w: %v", gwerr.ErrStorerWrite, err)
	}
	metrics.AddBytesWritten(n)
	metrics.IncSamplesStored()
	s.recordCount++
	s.lastUs = tsUs
	return nil
}

func (s *Storer) shouldRotate(tsUs uint64) bool {
	if tsUs > s.lastUs && tsUs-s.lastUs > gapRotateUs {
		return true
	}
	if int64(s.recordCount)*recordLen >= s.rotateBytes() {
		return true
	}
	return false
}

func (s *Storer) open(startUs uint64) error {
	s.startUs = startUs
	s.lastUs = startUs
	s.recordCount = 0

	name := fmt.Sprintf("shm_%s_%s_%d.part", s.mac, revision, startUs)
	s.partPath = filepath.Join(s.tempDir, name)

	f, err := os.OpenFile(s.partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storer: open %s: %w", s.partPath, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	return nil
}

// rotate flushes and closes the current file, atomically renaming it into
// the data directory. Must be called with s.mu held.
func (s *Storer) rotate(endUs uint64) error {
	if s.f == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", gwerr.ErrStorerRotate, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", gwerr.ErrStorerRotate, err)
	}
	partPath := s.partPath
	recordCount := s.recordCount
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", gwerr.ErrStorerRotate, err)
	}

	finalName := fmt.Sprintf("shm_%s_%s_%d_%d.dat", s.mac, revision, s.startUs, endUs)
	finalPath := filepath.Join(s.dataDir, finalName)
	if err := os.Rename(partPath, finalPath); err != nil {
		return fmt.Errorf("%w: %v", gwerr.ErrStorerRename, err)
	}
	metrics.IncFilesRotated()
	if s.log != nil {
		s.log.Info("storer_rotated", "path", finalPath, "records", recordCount)
	}
	if s.onRotate != nil {
		s.onRotate(finalPath, recordCount)
	}
	s.f = nil
	s.w = nil
	return nil
}

// Close flushes and renames any in-progress file.
func (s *Storer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	return s.rotate(s.lastUs)
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
