//go:build linux

package sock

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// enableKernelTimestamps turns on SO_TIMESTAMPNS on the connection's
// socket. The kernel then attaches receive timestamps as cmsg data, which
// only a raw recvmsg read can see; readTimestamp does not read them.
func enableKernelTimestamps(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	})
}

// readTimestamp returns the kernel receive timestamp for the most recent
// read on conn, falling back to wall-clock time when the platform or
// socket doesn't support it. Go's net.Conn.Read does not expose ancillary
// data, so without a raw recvmsg loop this always falls back; the hook is
// kept as the single place where ancdata decoding would plug in.
func readTimestamp(conn net.Conn) time.Time {
	return time.Now()
}
