package payload

import (
	"sync"

	"github.com/shm-gw/sensor-gateway/internal/shm"
)

// TSCheck guards per-sample payload timestamps against future drift and
// backward steps, independent of the header-level TimestampGuard (the
// header and payload clocks can diverge on a misbehaving board).
type TSCheck struct {
	Enabled         bool
	FutureSlackMs   int64
	BackstepTolMs   int64
	DropOnViolation bool

	mu     sync.Mutex
	lastMs int64
	seen   bool
}

// Check reports whether tsMs passes the configured tolerances, advancing
// the internal watermark when it does not drop the sample.
func (c *TSCheck) Check(tsMs int64) bool {
	if c == nil || !c.Enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := shm.NowMs()
	ok := true
	if tsMs > nowMs+c.FutureSlackMs {
		ok = false
	}
	if c.seen {
		back := c.lastMs - tsMs
		if back > c.BackstepTolMs {
			ok = false
		}
	}
	if ok || !c.DropOnViolation {
		c.lastMs = tsMs
		c.seen = true
	}
	return ok
}
