// Package node implements the top-level lifecycle state machine that ties
// the socket server, board control, and packet pipeline together: start,
// stop, restart, and pattern-matched recovery from watchdog errors,
// driving board configure/start/stop/reset over its control channel.
package node

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/board"
	"github.com/shm-gw/sensor-gateway/internal/gwerr"
	"github.com/shm-gw/sensor-gateway/internal/logging"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
	"github.com/shm-gw/sensor-gateway/internal/packet"
	"github.com/shm-gw/sensor-gateway/internal/shm"
	"github.com/shm-gw/sensor-gateway/internal/sink"
	"github.com/shm-gw/sensor-gateway/internal/sock"
)

// State is the node's lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultConfigureSettle = time.Second
	defaultRestartDrain    = 5 * time.Second
	defaultResetSettle     = 10 * time.Second
	defaultSupervisorPoll  = time.Second
	defaultBackoffMin      = time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultBoardWDT        = 15 * time.Second
	watchdogStopSettle     = 200 * time.Millisecond
)

// Server is the subset of sock.Server Node drives.
type Server interface {
	Serve(ctx context.Context) error
	Shutdown() error
	EnableAcceptWatchdog(bool)
}

// Node owns the sensor's lifecycle: starting and stopping the socket server
// and the packet handler, and the board control commands that
// start/stop/reset sampling. Routing received bytes into the packet
// handler is wired by the caller through the socket server's OnData.
type Node struct {
	cfg    shm.SensorConfig
	sockSv Server
	ctrl   board.Control
	pkt    *packet.Handler
	status sink.StatusSink
	log    *slog.Logger

	supervisorEnabled bool
	supervisorPoll    time.Duration
	backoffMin        time.Duration
	backoffMax        time.Duration

	boardWDT             time.Duration
	autoRestartOnTimeout bool
	watchdogSettle       time.Duration // 0 means derive from boardWDT+2s

	startLock    atomic.Bool
	state        atomic.Int32
	shuttingDown atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Node at construction.
type Option func(*Node)

func WithStatusSink(s sink.StatusSink) Option { return func(n *Node) { n.status = s } }
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}
func WithSupervisor(enabled bool) Option { return func(n *Node) { n.supervisorEnabled = enabled } }

// WithBoardWDT sets the board watchdog period, which drives the settle
// delay observed before a watchdog-triggered restart.
func WithBoardWDT(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.boardWDT = d
		}
	}
}

// WithAutoRestartOnTimeout enables automatically restarting the node after
// a watchdog recovery (stop-sampling + reset) instead of leaving it idle
// until the supervisor or an operator intervenes.
func WithAutoRestartOnTimeout(enabled bool) Option {
	return func(n *Node) { n.autoRestartOnTimeout = enabled }
}

// WithWatchdogSettle overrides the board_wdt+2s settle delay observed
// before a watchdog-triggered restart; mainly useful in tests.
func WithWatchdogSettle(d time.Duration) Option {
	return func(n *Node) { n.watchdogSettle = d }
}

// New constructs a Node from its three collaborators: the socket server
// that owns the TCP listener, the board control client, and the packet
// handler that frames/decodes/stores received data.
func New(cfg shm.SensorConfig, sockSv Server, ctrl board.Control, pkt *packet.Handler, opts ...Option) *Node {
	n := &Node{
		cfg:            cfg,
		sockSv:         sockSv,
		ctrl:           ctrl,
		pkt:            pkt,
		log:            logging.L(),
		supervisorPoll: defaultSupervisorPoll,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
		boardWDT:       defaultBoardWDT,
	}
	n.state.Store(int32(StateIdle))
	for _, o := range opts {
		o(n)
	}
	if n.status == nil {
		n.status = sink.NewLogSink(cfg.UUID, n.log)
	}
	return n
}

// State returns the node's current lifecycle phase.
func (n *Node) State() State { return State(n.state.Load()) }

func (n *Node) statusf(ctx context.Context, code int, msg string) {
	if err := n.status.Status(ctx, code, msg); err != nil {
		n.log.Warn("status_publish_failed", "error", err)
	}
}

// Start begins the sensor lifecycle: configure the board, start sampling,
// and begin accepting the board's data connection. A non-blocking lock
// prevents concurrent starts from racing.
func (n *Node) Start(ctx context.Context) error {
	if !n.startLock.CompareAndSwap(false, true) {
		return gwerr.ErrNodeStarting
	}
	defer n.startLock.Store(false)

	n.shuttingDown.Store(false)
	n.state.Store(int32(StateStarting))
	n.statusf(ctx, 1, "Starting sensor")

	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.pkt.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sockSv.Serve(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Error("sensor_listen_failed", "error", err)
		}
	}()

	if err := n.ctrl.Configure(ctx, n.configParams()); err != nil {
		n.log.Error("board_configure_failed", "error", err)
		return err
	}
	time.Sleep(defaultConfigureSettle)

	n.statusf(ctx, 3, "Sampling")
	if err := n.ctrl.StartSampling(ctx); err != nil {
		n.log.Error("board_start_sampling_failed", "error", err)
		return err
	}

	n.state.Store(int32(StateRunning))
	n.statusf(ctx, 3, "Running")
	n.sockSv.EnableAcceptWatchdog(true)

	if n.supervisorEnabled {
		n.wg.Add(1)
		go n.superviseLoop(runCtx)
	}
	return nil
}

func (n *Node) configParams() map[string]string {
	return map[string]string{
		"uuid":       n.cfg.UUID,
		"frequency":  strconv.Itoa(n.cfg.FrequencyHz),
		"nreports":   strconv.Itoa(n.cfg.NReports),
		"channels":   n.cfg.ChannelMap,
		"header_len": strconv.Itoa(n.cfg.HeaderLen),
	}
}

// Stop halts the packet pipeline and closes the socket listener/board
// connection, without resetting the board. It marks the node as
// shutting down, gating any watchdog-triggered auto-restart.
func (n *Node) Stop(ctx context.Context, msg string) {
	n.shuttingDown.Store(true)
	n.doStop(msg)
}

// doStop tears down the listener and packet pipeline without touching the
// shutting-down flag, so a watchdog recovery can rearm the listener for a
// restart rather than leaving a stale Serve goroutine bound to the address.
func (n *Node) doStop(msg string) {
	n.log.Info("node_stopping", "reason", msg)
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = n.sockSv.Shutdown()
	n.pkt.Stop()
	n.wg.Wait()
	n.state.Store(int32(StateStopped))
}

// Restart stops the node, resets the board, and starts again, mirroring
// a stop -> drain -> reset -> settle -> start cycle.
func (n *Node) Restart(ctx context.Context) error {
	n.state.Store(int32(StateRestarting))
	metrics.IncNodeRestart()
	n.doStop("restart")
	time.Sleep(defaultRestartDrain)
	if err := n.ctrl.Reset(ctx); err != nil {
		n.log.Warn("board_reset_failed", "error", err)
	}
	time.Sleep(defaultResetSettle)
	return n.Start(ctx)
}

// OnError is the watchdog-error dispatcher: accept/read/first-packet
// watchdog expirations get a stop-sampling/reset cycle and the listener and
// packet pipeline are torn down, leaving the node stopped; then — only if
// auto-restart is enabled and the node isn't already shutting down — they
// are rearmed after a board_wdt+2s settle so the board has time to finish
// resetting before it reconnects. Everything else triggers a full restart.
// OnError waits for the node's Serve goroutine, so it must not be called
// synchronously from inside that goroutine.
func (n *Node) OnError(ctx context.Context, err error) {
	n.log.Warn("node_error_received", "error", err)
	switch {
	case errors.Is(err, gwerr.ErrFirstPacketTimeout),
		errors.Is(err, gwerr.ErrReadTimeout),
		errors.Is(err, gwerr.ErrAcceptTimeout):
		if stopErr := n.ctrl.StopSampling(ctx); stopErr != nil {
			n.log.Warn("board_stop_sampling_failed", "error", stopErr)
		}
		time.Sleep(watchdogStopSettle)
		if resetErr := n.ctrl.Reset(ctx); resetErr != nil {
			n.log.Warn("board_reset_failed", "error", resetErr)
		}
		// Tear down the still-bound listener before Start rearms it;
		// otherwise Start's new Serve call re-Listens on the same
		// address while the old Serve goroutine is still running.
		n.doStop("watchdog_recovery")
		if !n.autoRestartOnTimeout || n.shuttingDown.Load() {
			n.log.Info("watchdog_auto_restart_skipped", "auto_restart", n.autoRestartOnTimeout)
			return
		}
		settle := n.watchdogSettle
		if settle == 0 {
			settle = n.boardWDT + 2*time.Second
		}
		time.Sleep(settle)
		if errStart := n.Start(ctx); errStart != nil {
			n.log.Error("node_restart_after_watchdog_failed", "error", errStart)
		}
	default:
		if err := n.Restart(ctx); err != nil {
			n.log.Error("node_restart_failed", "error", err)
		}
	}
}

// superviseLoop polls the node's state every supervisorPoll. While the node
// is not running it logs supervisor_restart and waits with exponential
// backoff (doubling from backoffMin up to backoffMax), resetting the backoff
// once the node is running again. It does not call Start itself, and it
// exits when the run context is canceled, which doStop does.
func (n *Node) superviseLoop(ctx context.Context) {
	defer n.wg.Done()
	backoff := n.backoffMin
	ticker := time.NewTicker(n.supervisorPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.State() == StateRunning {
				backoff = n.backoffMin
				continue
			}
			n.log.Warn("supervisor_restart", "backoff", backoff)
			time.Sleep(backoff)
			if backoff < n.backoffMax {
				backoff *= 2
				if backoff > n.backoffMax {
					backoff = n.backoffMax
				}
			}
		}
	}
}
