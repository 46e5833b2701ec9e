// Package payload decodes the per-report payload records that follow a
// frame header, maps the sensor's configurable channel assignment onto
// accelerometer/temperature samples, and applies the payload timestamp
// sanity check (future-drift and backstep guards).
package payload

import (
	"math"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
	"github.com/shm-gw/sensor-gateway/internal/shm"
)

const (
	tsFieldLen     = 8
	rawChannels    = 8
	filteredFields = 3
)

// Decoded is the result of decoding one report: a Sample ready for the
// storer (nil if the report carried no accelerometer channel) and a
// HistoryPoint carrying everything the alarm engine's pre-roll buffer
// needs.
type Decoded struct {
	Sample  *shm.Sample
	History shm.HistoryPoint
	Skipped bool // true if the timestamp guard vetoed saving
}

// Decoder turns the raw payload bytes of a frame into a sequence of
// Decoded reports.
type Decoder struct {
	cfg shm.SensorConfig
}

// New constructs a Decoder bound to a sensor configuration.
func New(cfg shm.SensorConfig) *Decoder {
	return &Decoder{cfg: cfg}
}

// DecodeFrame splits payload into fixed-size reports and decodes each one.
// nreports resolves header.NReports (falling back to cfg.NReports when the
// header carries 0), matching the framer's own resolution so the two never
// disagree about record boundaries.
func (d *Decoder) DecodeFrame(payloadBytes []byte, hdr shm.FrameHeader, guard *TSCheck) ([]Decoded, error) {
	nreports := hdr.NReports
	if nreports == 0 {
		nreports = d.cfg.NReports
	}
	expected := nreports * d.cfg.ReportLen
	if len(payloadBytes) < expected {
		return nil, gwerr.ErrPayloadTooShort
	}
	if len(payloadBytes) > expected {
		payloadBytes = payloadBytes[:expected]
	}

	out := make([]Decoded, 0, nreports)
	var frameBaseMs int64
	haveBase := false
	for k := 0; k < nreports; k++ {
		start := k * d.cfg.ReportLen
		report := payloadBytes[start : start+d.cfg.ReportLen]

		tsAbsRaw := leUint64(report[:tsFieldLen])
		tsMs := normalize(tsAbsRaw, d.cfg.TSUnit)
		if !haveBase {
			frameBaseMs = tsMs
			haveBase = true
		}

		accel, integrated, raw := d.channels(report[tsFieldLen:])

		var sample *shm.Sample
		if len(accel) > 0 {
			s := &shm.Sample{TSAbsMs: tsMs}
			s.AX, s.AY, s.AZ = accel[0], accel[1], accel[2]
			if len(integrated) > 0 {
				s.Temp = integrated[0]
			}
			sample = s
		}

		skip := false
		if guard != nil && !guard.Check(tsMs) {
			skip = guard.DropOnViolation
		}

		hp := shm.HistoryPoint{
			TSMs:       tsMs,
			Accel:      append([]float32(nil), accel...),
			Integrated: append([]float32(nil), integrated...),
			Metrics:    hdr.Metrics,
		}
		copy(hp.HeaderTSRaw[:], report[:tsFieldLen])
		_ = raw
		_ = frameBaseMs

		out = append(out, Decoded{Sample: sample, History: hp, Skipped: skip})
	}
	return out, nil
}

// channels maps the configured 8-character channel string onto raw /
// filtered readings, per the configured channel table:
// '1' = accelerometer axis, '2'/'3' = reserved/unused, '4' = integrated
// temperature, '5' = raw temperature.
func (d *Decoder) channels(data []byte) (accel, integrated, rawAll []float32) {
	raw := make([]float32, rawChannels)
	for i := 0; i < rawChannels; i++ {
		raw[i] = leFloat32(data[i*4 : i*4+4])
	}

	accelCount := 0
	for _, ch := range d.cfg.ChannelMap {
		if ch == shm.ChanAccel {
			accelCount++
		}
	}

	var filtered []float32
	if accelCount >= 3 {
		base := rawChannels * 4
		filtered = make([]float32, filteredFields)
		for i := 0; i < filteredFields; i++ {
			filtered[i] = leFloat32(data[base+i*4 : base+i*4+4])
		}
	}

	useFiltered := d.cfg.DataFiltered && filtered != nil
	for i, ch := range d.cfg.ChannelMap {
		if i >= rawChannels {
			break
		}
		switch ch {
		case shm.ChanAccel:
			if !useFiltered {
				accel = append(accel, raw[i])
			}
		case shm.ChanIntegratedTemp:
			integrated = append(integrated, raw[i])
		}
	}
	if useFiltered {
		accel = filtered
	}
	return accel, integrated, raw
}

func normalize(raw uint64, unit shm.TSUnit) int64 {
	switch unit {
	case shm.TSUnitMillis:
		return int64(raw)
	case shm.TSUnitMicros:
		return int64(raw / 1000)
	default:
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
