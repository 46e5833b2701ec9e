package node

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
	"github.com/shm-gw/sensor-gateway/internal/packet"
	"github.com/shm-gw/sensor-gateway/internal/shm"
)

type fakeServer struct {
	mu      sync.Mutex
	wdArmed bool
	served  chan struct{}
}

func newFakeServer() *fakeServer { return &fakeServer{served: make(chan struct{}, 1)} }

func (f *fakeServer) Serve(ctx context.Context) error {
	select {
	case f.served <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeServer) Shutdown() error { return nil }
func (f *fakeServer) EnableAcceptWatchdog(b bool) {
	f.mu.Lock()
	f.wdArmed = b
	f.mu.Unlock()
}

type fakeControl struct {
	configured atomic.Bool
	started    atomic.Bool
	stopped    atomic.Bool
	resets     atomic.Int32
}

func (c *fakeControl) Info(ctx context.Context) (string, error) { return "", nil }
func (c *fakeControl) Configure(ctx context.Context, params map[string]string) error {
	c.configured.Store(true)
	return nil
}
func (c *fakeControl) StartSampling(ctx context.Context) error {
	c.started.Store(true)
	return nil
}
func (c *fakeControl) StopSampling(ctx context.Context) error {
	c.stopped.Store(true)
	return nil
}
func (c *fakeControl) Reset(ctx context.Context) error {
	c.resets.Add(1)
	return nil
}

func TestNodeStartReachesRunning(t *testing.T) {
	cfg := shm.NewSensorConfig("u", "m", "11114455")
	srv := newFakeServer()
	ctrl := &fakeControl{}
	pkt := packet.New(cfg)
	n := New(cfg, srv, ctrl, pkt)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background(), "test cleanup")

	if n.State() != StateRunning {
		t.Fatalf("expected state running, got %v", n.State())
	}
	if !ctrl.configured.Load() || !ctrl.started.Load() {
		t.Fatalf("expected board to be configured and started")
	}

	select {
	case <-srv.served:
	case <-time.After(time.Second):
		t.Fatalf("expected socket server to be served")
	}
}

func TestNodeStartIsNonReentrant(t *testing.T) {
	cfg := shm.NewSensorConfig("u", "m", "11114455")
	srv := newFakeServer()
	ctrl := &fakeControl{}
	pkt := packet.New(cfg)
	n := New(cfg, srv, ctrl, pkt)
	n.startLock.Store(true)

	if err := n.Start(context.Background()); err == nil {
		t.Fatalf("expected concurrent start to be rejected")
	}
}

func TestNodeOnErrorWatchdogSkipsRestartByDefault(t *testing.T) {
	cfg := shm.NewSensorConfig("u", "m", "11114455")
	srv := newFakeServer()
	ctrl := &fakeControl{}
	pkt := packet.New(cfg)
	n := New(cfg, srv, ctrl, pkt)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background(), "test cleanup")

	n.OnError(context.Background(), gwerr.ErrReadTimeout)

	if !ctrl.stopped.Load() {
		t.Fatalf("expected stop_sampling to be invoked on watchdog error")
	}
	if ctrl.resets.Load() != 1 {
		t.Fatalf("expected exactly 1 reset, got %d", ctrl.resets.Load())
	}
	if n.State() != StateStopped {
		t.Fatalf("expected watchdog recovery without auto-restart to leave the node stopped, got %v", n.State())
	}
}

func TestNodeOnErrorWatchdogRestartsWhenAutoRestartEnabled(t *testing.T) {
	cfg := shm.NewSensorConfig("u", "m", "11114455")
	srv := newFakeServer()
	ctrl := &fakeControl{}
	pkt := packet.New(cfg)
	n := New(cfg, srv, ctrl, pkt, WithAutoRestartOnTimeout(true), WithWatchdogSettle(time.Millisecond))

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background(), "test cleanup")
	<-srv.served

	n.OnError(context.Background(), gwerr.ErrFirstPacketTimeout)

	select {
	case <-srv.served:
	case <-time.After(time.Second):
		t.Fatalf("expected the listener to be rearmed and served again after the watchdog restart")
	}
	if n.State() != StateRunning {
		t.Fatalf("expected state running after the watchdog restart, got %v", n.State())
	}
}

func TestNodeOnErrorWatchdogSkipsRestartWhileShuttingDown(t *testing.T) {
	cfg := shm.NewSensorConfig("u", "m", "11114455")
	srv := newFakeServer()
	ctrl := &fakeControl{}
	pkt := packet.New(cfg)
	n := New(cfg, srv, ctrl, pkt, WithAutoRestartOnTimeout(true), WithWatchdogSettle(time.Millisecond))

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.Stop(context.Background(), "shutdown")

	n.OnError(context.Background(), gwerr.ErrAcceptTimeout)

	if n.State() != StateStopped {
		t.Fatalf("expected the node to stay stopped while shutting down, got %v", n.State())
	}
}
