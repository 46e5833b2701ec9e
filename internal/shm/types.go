// Package shm holds the data model shared by every gateway component:
// sensor configuration, the decoded frame header, payload records, the
// samples handed to the storer, and alarm events. Types here carry no
// behavior of their own; codecs and state machines map wire bytes to and
// from these structs.
package shm

import (
	"time"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
)

// Channel classification digits used in SensorConfig.ChannelMap.
const (
	ChanAccel           = '1'
	ChanUnused2         = '2'
	ChanUnused3         = '3'
	ChanIntegratedTemp  = '4'
	ChanTemp            = '5'
	headerLenNoCRC      = 36
	headerLenWithCRC    = 40
	reportLen           = 52
	channelMapLen       = 8
	defaultFrequencyHz  = 200
	minFrequencyHz      = 1
	maxNReportsPerFrame = 10
)

// TSUnit names the timestamp unit carried on the wire.
type TSUnit int

const (
	TSUnitAuto TSUnit = iota
	TSUnitMillis
	TSUnitMicros
)

// ParseTSUnit maps the SENSOR_TS_UNIT configuration string.
func ParseTSUnit(s string) TSUnit {
	switch s {
	case "ms":
		return TSUnitMillis
	case "us":
		return TSUnitMicros
	default:
		return TSUnitAuto
	}
}

// SensorConfig is immutable once constructed; every component receives it
// by value or pointer-to-const, never mutates it. This replaces the
// process-wide "Sensor.SENSOR" class attribute of the source system with an
// explicit value passed at construction (see DESIGN.md Open Question notes).
type SensorConfig struct {
	UUID           string
	MAC            string // 12 hex chars, no separators
	FrequencyHz    int
	NReports       int    // reports per frame, 1..10 (0 in a header means "use this default")
	ChannelMap     string // exactly 8 chars, digits '1'..'5'
	HeaderLen      int    // 36, or 40 if CRC is enabled
	ReportLen      int    // 52
	CRCEnabled     bool
	CRCStrict      bool
	HeaderOnly     bool
	DataFiltered   bool
	TSUnit         TSUnit

	TSHeaderDropOnViolation bool
	TSFutureSlackMs         int64
	TSBackstepTolMs         int64
}

// NewSensorConfig fills in this gateway's default sensor configuration.
func NewSensorConfig(uuid, mac, channelMap string) SensorConfig {
	return SensorConfig{
		UUID:        uuid,
		MAC:         mac,
		FrequencyHz: defaultFrequencyHz,
		NReports:    1,
		ChannelMap:  channelMap,
		HeaderLen:   headerLenNoCRC,
		ReportLen:   reportLen,
		CRCStrict:       true,
		TSUnit:          TSUnitAuto,
		TSFutureSlackMs: 2000,
		TSBackstepTolMs: 0,
	}
}

// Valid reports whether the configuration's fields are well-formed.
func (c SensorConfig) Valid() error {
	if len(c.ChannelMap) != channelMapLen {
		return gwerr.ErrInvalidChannelMap
	}
	for _, ch := range c.ChannelMap {
		if ch < '1' || ch > '5' {
			return gwerr.ErrInvalidChannelMap
		}
	}
	if c.NReports < 1 || c.NReports > maxNReportsPerFrame {
		return gwerr.ErrInvalidNReports
	}
	if c.FrequencyHz < minFrequencyHz {
		return gwerr.ErrInvalidFrequency
	}
	if c.HeaderLen != headerLenNoCRC && c.HeaderLen != headerLenWithCRC {
		return gwerr.ErrInvalidHeaderLen
	}
	return nil
}

// DataFormat is the 2-bit pre1 field; opaque to this core beyond carrying it.
type DataFormat uint8

// FrameHeader is the decoded fixed-size frame header.
type FrameHeader struct {
	FFT         bool
	STALTA      bool
	DataFormat  DataFormat
	NReports    int // 0..10; 0 means header-only
	ChMaxPct    uint8
	FourChannel bool // pre2 bit 2: 0=8ch, 1=4ch
	HeaderOnly  bool // pre2 bit 3
	TStampRaw   uint64
	TStampMs    int64 // normalized per TSUnit
	Metrics     [6]float32
}

// ReportRecord is one decoded fixed-size payload record.
type ReportRecord struct {
	TSAbsMs     int64 // absolute timestamp, normalized to ms
	RawChannels [8]float32
	Filtered    [3]float32 // filtered accelerometer outputs
}

// Sample is what PayloadDecoder hands to the Storer.
type Sample struct {
	TSAbsMs int64 // absolute timestamp, ms
	AX, AY, AZ float32
	Temp    float32
}

// AlarmEvent tracks one open trigger window.
type AlarmEvent struct {
	TriggerTSMs   int64
	LastAlarmTSMs int64
	Buffer        []HistoryPoint // nil until first sample after trigger
	CloseDeadline int64          // ms; publish when now_ms >= CloseDeadline
}

// HistoryPoint is one pre-roll / event-window sample, keyed by its absolute
// timestamp, carrying accelerometer + integrated-temp + header metrics +
// raw header timestamp bytes, mirroring packet.py's tuple payload.
type HistoryPoint struct {
	TSMs        int64
	Accel       []float32
	Integrated  []float32
	Metrics     [6]float32
	HeaderTSRaw [8]byte
}

// Now is overridable in tests; production code always calls time.Now.
var Now = func() time.Time { return time.Now() }

// NowMs returns the current wall-clock time in Unix milliseconds.
func NowMs() int64 { return Now().UnixMilli() }
