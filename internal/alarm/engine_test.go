package alarm

import (
	"sync"
	"testing"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/shm"
)

func TestEngineTriggersOnSTALTAThenFFT(t *testing.T) {
	var mu sync.Mutex
	var published []Published
	e := New(func(p Published) {
		mu.Lock()
		published = append(published, p)
		mu.Unlock()
	}, WithEventWindow(10*time.Millisecond))

	e.Evaluate(shm.FrameHeader{STALTA: true}, 1000)
	if e.OpenEventCount() != 0 {
		t.Fatalf("expected no event yet (fft not set)")
	}

	e.Evaluate(shm.FrameHeader{STALTA: true, FFT: true, ChMaxPct: 2}, 1010)
	if e.OpenEventCount() != 1 {
		t.Fatalf("expected one open event after FFT frame")
	}

	e.AddHistory(shm.HistoryPoint{TSMs: 1020})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(published)
		mu.Unlock()
		if n > 0 {
			break
		}
		e.AddHistory(shm.HistoryPoint{TSMs: shm.NowMs()})
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) == 0 {
		t.Fatalf("expected event to be published after close deadline")
	}
}

func TestEngineFiresOnAlertAtTrigger(t *testing.T) {
	var mu sync.Mutex
	var gotTS int64
	var gotStatus int
	e := New(nil, WithOnAlert(func(triggerTSMs int64, status int) {
		mu.Lock()
		gotTS, gotStatus = triggerTSMs, status
		mu.Unlock()
	}))

	e.Evaluate(shm.FrameHeader{STALTA: true}, 1000)
	e.Evaluate(shm.FrameHeader{STALTA: true, FFT: true}, 1010)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ts := gotTS
		mu.Unlock()
		if ts != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotTS != 1010 {
		t.Fatalf("expected trigger alert at ts 1010, got %d", gotTS)
	}
	if gotStatus != AlertStatusTriggered {
		t.Fatalf("expected status %d, got %d", AlertStatusTriggered, gotStatus)
	}
}

func TestPublishedPayloadConcatenatesSamples(t *testing.T) {
	p := Published{
		Buffer: []shm.HistoryPoint{
			{Accel: []float32{1, 2, 3}, HeaderTSRaw: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
			{Accel: []float32{4, 5, 6}, HeaderTSRaw: [8]byte{9, 9, 9, 9, 9, 9, 9, 9}},
		},
	}
	blob := p.Payload()
	// 3 accel floats (12B) + 6 metrics floats (24B) + 8B raw ts = 44B per sample.
	if len(blob) != 2*44 {
		t.Fatalf("expected 88 bytes, got %d", len(blob))
	}
	if blob[40] != 1 || blob[47] != 8 {
		t.Fatalf("expected the raw header timestamp trailing the first sample, got %v", blob[40:48])
	}
}

func TestEnginePrealarmClearsAfterTimeout(t *testing.T) {
	e := New(nil, WithPrealarmClear(5*time.Millisecond))
	e.Evaluate(shm.FrameHeader{STALTA: true}, 1000)
	e.Evaluate(shm.FrameHeader{STALTA: false}, 1_000_100)
	if e.OpenEventCount() != 0 {
		t.Fatalf("expected no open events")
	}
	e.mu.Lock()
	cleared := !e.alarmState
	e.mu.Unlock()
	if !cleared {
		t.Fatalf("expected prealarm cleared after timeout")
	}
}

func TestEngineHistoryCapBounded(t *testing.T) {
	e := New(nil, WithHistoryCapacity(3))
	for i := 0; i < 10; i++ {
		e.AddHistory(shm.HistoryPoint{TSMs: int64(i)})
	}
	e.mu.Lock()
	n := len(e.history)
	e.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected history capped at 3, got %d", n)
	}
}
