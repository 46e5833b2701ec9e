// Package board implements the console side-channel used to control the
// sensor board: configure, start/stop sampling, and reset. Each command
// opens a short-lived TCP connection, writes the command, reads the
// board's reply, and closes; no persistent control connection is kept
// open across commands.
package board

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/gwerr"
)

const (
	defaultTimeout  = 5 * time.Second
	terminator      = "Q"
	expectedBanner  = "SHM_console#"
)

// Control is the thin interface the Node drives; a real TCP-backed
// Control and a fake/in-memory Control for tests both satisfy it.
type Control interface {
	Info(ctx context.Context) (string, error)
	Configure(ctx context.Context, params map[string]string) error
	StartSampling(ctx context.Context) error
	StopSampling(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Client dials the board's console port for every command.
type Client struct {
	addr    string
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a Client at construction.
type Option func(*Client)

// WithTimeout overrides the default 5s per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialer overrides the dial function, mainly for tests.
func WithDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = fn }
}

// New constructs a Client targeting the board's console address
// (host:port).
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:    addr,
		timeout: defaultTimeout,
		dial:    (&net.Dialer{}).DialContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) command(ctx context.Context, line string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gwerr.ErrBoardDial, err)
	}
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetDeadline(deadline)
	}

	r := bufio.NewReader(conn)
	banner, err := r.ReadString('#')
	if err != nil {
		return "", fmt.Errorf("%w: reading banner: %v", gwerr.ErrBoardReply, err)
	}
	if !strings.HasSuffix(banner, expectedBanner) {
		return "", fmt.Errorf("%w: unexpected banner %q", gwerr.ErrBoardReply, banner)
	}

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("%w: writing command: %v", gwerr.ErrBoardDial, err)
	}

	reply, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: reading reply: %v", gwerr.ErrBoardReply, err)
	}

	if _, err := conn.Write([]byte(terminator)); err != nil {
		return "", fmt.Errorf("%w: sending terminator: %v", gwerr.ErrBoardDial, err)
	}
	return reply, nil
}

// Info requests the board's current status string.
func (c *Client) Info(ctx context.Context) (string, error) {
	return c.command(ctx, "INFO")
}

// Configure pushes sensor configuration parameters to the board.
func (c *Client) Configure(ctx context.Context, params map[string]string) error {
	line := "CONFIGURE"
	for k, v := range params {
		line += fmt.Sprintf(" %s=%s", k, v)
	}
	_, err := c.command(ctx, line)
	return err
}

// StartSampling tells the board to begin streaming frames.
func (c *Client) StartSampling(ctx context.Context) error {
	_, err := c.command(ctx, "START_SAMPLING")
	return err
}

// StopSampling tells the board to stop streaming frames.
func (c *Client) StopSampling(ctx context.Context) error {
	_, err := c.command(ctx, "STOP_SAMPLING")
	return err
}

// Reset requests a board-side reset.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.command(ctx, "RESET")
	return err
}

var _ Control = (*Client)(nil)
