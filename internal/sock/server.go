// Package sock implements the sensor TCP listener: it accepts exactly one
// board connection at a time, arms an accept watchdog while waiting and a
// read/first-packet watchdog once connected, and hands every chunk of
// received bytes (plus its best-effort receive timestamp) to a callback.
// Shaped as a Serve/acceptOnce/Shutdown server, narrowed to
// the sensor gateway's single-client invariant: only one board is ever
// connected at a time.
package sock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
	"github.com/shm-gw/sensor-gateway/internal/logging"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
)

const (
	defaultAcceptTimeout = 30 * time.Second
	defaultReadTimeout   = 10 * time.Second
	defaultFirstPacket   = 10 * time.Second
	defaultReadBufSize   = 4096
)

// OnData is invoked for every chunk read from the connected board.
type OnData func(data []byte, rx time.Time)

// OnError is invoked for every classified error (accept timeout, read
// timeout, first-packet timeout, peer close, ...); callers typically log
// it and decide whether to trigger a Node-level recovery.
type OnError func(err error)

// Server accepts a single sensor board connection at a time.
type Server struct {
	addr string

	acceptTimeout time.Duration
	readTimeout   time.Duration
	firstPacket   time.Duration
	readBufSize   int

	onData  OnData
	onError OnError
	logger  *slog.Logger

	acceptWatchdogEnabled atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn

	totalAccepted   atomic.Uint64
	totalAcceptWD   atomic.Uint64
	totalReadWD     atomic.Uint64
	totalFirstPktWD atomic.Uint64
	totalClosedPeer atomic.Uint64
}

// Option configures a Server at construction.
type Option func(*Server)

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithAcceptTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.acceptTimeout = d
		}
	}
}
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}
func WithFirstPacketTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.firstPacket = d
		}
	}
}
// WithReadBufSize overrides the per-read chunk size (default 4096 bytes).
func WithReadBufSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.readBufSize = n
		}
	}
}
func WithOnData(fn OnData) Option   { return func(s *Server) { s.onData = fn } }
func WithOnError(fn OnError) Option { return func(s *Server) { s.onError = fn } }
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Server. The accept watchdog starts disarmed; call
// EnableAcceptWatchdog(true) once the board has been told to start
// sampling, once the board has been configured and told to start.
func New(opts ...Option) *Server {
	s := &Server{
		acceptTimeout: defaultAcceptTimeout,
		readTimeout:   defaultReadTimeout,
		firstPacket:   defaultFirstPacket,
		readBufSize:   defaultReadBufSize,
		logger:        logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnableAcceptWatchdog arms or disarms the accept-timeout enforcement.
func (s *Server) EnableAcceptWatchdog(enabled bool) {
	s.acceptWatchdogEnabled.Store(enabled)
	// acceptAndHandle sets the deadline before each new Accept; also apply
	// it to an Accept that is already waiting.
	s.mu.Lock()
	ln, conn := s.listener, s.conn
	s.mu.Unlock()
	if tl, ok := ln.(*net.TCPListener); ok && conn == nil {
		if enabled {
			_ = tl.SetDeadline(time.Now().Add(s.acceptTimeout))
		} else {
			_ = tl.SetDeadline(time.Time{})
		}
	}
}

// Addr returns the listener's bound address, empty until Serve starts.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve listens and repeatedly accepts a single client, handling it until
// disconnect, then accepting the next one, until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", gwerr.ErrListen, err)
		metrics.IncError(gwerr.MetricLabel(wrap))
		return wrap
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("sensor_listen", "addr", ln.Addr().String())

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.acceptAndHandle(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptAndHandle(ctx context.Context, ln net.Listener) error {
	if tl, ok := ln.(*net.TCPListener); ok && s.acceptWatchdogEnabled.Load() {
		_ = tl.SetDeadline(time.Now().Add(s.acceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.totalAcceptWD.Add(1)
			metrics.IncAcceptWatchdog()
			if s.onError != nil {
				s.onError(gwerr.ErrAcceptTimeout)
			}
			return nil
		}
		wrap := fmt.Errorf("%w: %v", gwerr.ErrAccept, err)
		metrics.IncError(gwerr.MetricLabel(wrap))
		return wrap
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Time{})
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	enableKernelTimestamps(conn)
	s.totalAccepted.Add(1)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	metrics.SetConnected(true)
	s.logger.Info("board_connected", "remote", conn.RemoteAddr().String())

	s.readLoop(conn)

	metrics.SetConnected(false)
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	return nil
}

func (s *Server) readLoop(conn net.Conn) {
	buf := make([]byte, s.readBufSize)
	first := true
	for {
		timeout := s.readTimeout
		if first {
			timeout = s.firstPacket
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		n, err := conn.Read(buf)
		rx := readTimestamp(conn)
		if n > 0 {
			first = false
			if s.onData != nil {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				s.onData(cp, rx)
			}
		}
		if err != nil {
			s.classifyReadError(err, first)
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) classifyReadError(err error, stillFirst bool) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if stillFirst {
			s.totalFirstPktWD.Add(1)
			metrics.IncReadWatchdog()
			if s.onError != nil {
				s.onError(gwerr.ErrFirstPacketTimeout)
			}
			return
		}
		s.totalReadWD.Add(1)
		metrics.IncReadWatchdog()
		if s.onError != nil {
			s.onError(gwerr.ErrReadTimeout)
		}
		return
	}
	s.totalClosedPeer.Add(1)
	if s.onError != nil {
		s.onError(gwerr.ErrConnClosedByPeer)
	}
}

// Shutdown closes the listener and any active connection.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	ln := s.listener
	conn := s.conn
	s.listener = nil
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}
