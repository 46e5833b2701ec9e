// Package gwerr collects the sentinel errors shared across the gateway so
// that every component can classify failures with errors.Is instead of
// string matching, and so that metrics can map a small, bounded set of
// errors to label values.
package gwerr

import "errors"

// Configuration errors.
var (
	ErrInvalidChannelMap = errors.New("shm: invalid channel map")
	ErrInvalidNReports   = errors.New("shm: invalid nreports")
	ErrInvalidFrequency  = errors.New("shm: invalid frequency")
	ErrInvalidHeaderLen  = errors.New("shm: invalid header length")
)

// Framer errors.
var (
	ErrSyncNotFound  = errors.New("frame: sync word not found")
	ErrShortFrame    = errors.New("frame: buffer shorter than declared length")
	ErrCRCMismatch   = errors.New("frame: header crc mismatch")
	ErrFrameTooLarge = errors.New("frame: declared length exceeds buffer cap")
	ErrBufferCapped  = errors.New("frame: input buffer exceeded cap and was truncated")
)

// Header/payload decode errors.
var (
	ErrHeaderTooShort  = errors.New("header: buffer shorter than header length")
	ErrPayloadTooShort = errors.New("payload: buffer shorter than declared reports")
	ErrTimestampSkew   = errors.New("payload: timestamp outside tolerance window")
)

// Storer errors.
var (
	ErrStorerClosed     = errors.New("storer: closed")
	ErrStorerWrite      = errors.New("storer: write failed")
	ErrStorerRotate     = errors.New("storer: rotation failed")
	ErrStorerRename     = errors.New("storer: atomic rename failed")
	ErrInvalidTimestamp = errors.New("storer: timestamp below the valid floor")
)

// SocketServer / connection errors.
var (
	ErrListen             = errors.New("sock: listen failed")
	ErrAccept             = errors.New("sock: accept failed")
	ErrAcceptTimeout      = errors.New("sock: accept watchdog expired")
	ErrConnRead           = errors.New("sock: connection read failed")
	ErrReadTimeout        = errors.New("sock: read watchdog expired")
	ErrFirstPacketTimeout = errors.New("sock: first-packet watchdog expired")
	ErrConnClosedByPeer   = errors.New("sock: connection closed by peer")
	ErrAlreadyRunning     = errors.New("sock: server already running")
)

// BoardControl errors.
var (
	ErrBoardDial    = errors.New("board: dial failed")
	ErrBoardTimeout = errors.New("board: command timed out")
	ErrBoardReply   = errors.New("board: unexpected reply")
)

// Node errors.
var (
	ErrNodeStarting = errors.New("node: start already in progress")
	ErrNodeStopped  = errors.New("node: node is stopped")
)

// Lock file errors.
var (
	ErrLockHeld = errors.New("lockfile: already held by another process")
)

// MetricLabel maps a classified error to a bounded Prometheus label value.
// Unrecognized errors map to "other" so the label cardinality never grows
// unbounded.
func MetricLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSyncNotFound):
		return "sync_not_found"
	case errors.Is(err, ErrShortFrame):
		return "short_frame"
	case errors.Is(err, ErrCRCMismatch):
		return "crc_mismatch"
	case errors.Is(err, ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, ErrBufferCapped):
		return "buffer_capped"
	case errors.Is(err, ErrHeaderTooShort):
		return "header_too_short"
	case errors.Is(err, ErrPayloadTooShort):
		return "payload_too_short"
	case errors.Is(err, ErrTimestampSkew):
		return "timestamp_skew"
	case errors.Is(err, ErrStorerWrite):
		return "storer_write"
	case errors.Is(err, ErrStorerRotate):
		return "storer_rotate"
	case errors.Is(err, ErrStorerRename):
		return "storer_rename"
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, ErrListen):
		return "listen"
	case errors.Is(err, ErrAccept):
		return "accept"
	case errors.Is(err, ErrAcceptTimeout):
		return "accept_timeout"
	case errors.Is(err, ErrConnRead):
		return "conn_read"
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrFirstPacketTimeout):
		return "first_packet_timeout"
	case errors.Is(err, ErrConnClosedByPeer):
		return "closed_by_peer"
	case errors.Is(err, ErrBoardDial):
		return "board_dial"
	case errors.Is(err, ErrBoardTimeout):
		return "board_timeout"
	case errors.Is(err, ErrBoardReply):
		return "board_reply"
	default:
		return "other"
	}
}
