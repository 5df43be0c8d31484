package descriptor

import (
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/forktide/forktide/internal/protocol"
)

// maxHandoffMetadataSize bounds the in-band JSON metadata frame that
// travels alongside the out-of-band file descriptor.
const maxHandoffMetadataSize = 4096

// sendTimeout bounds how long Send will block writing to a worker's
// control socket. A worker wedged or backed up enough to fill the
// socket buffer must not be allowed to stall the master's single
// accept-loop goroutine indefinitely.
const sendTimeout = 5 * time.Second

// Send hands fd (an accepted client socket) to the worker on the other
// end of conn, out-of-band via SCM_RIGHTS, with meta carried in-band as
// the message's regular (non-control) payload.
func Send(conn *net.UnixConn, fd int, meta protocol.HandoffMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("descriptor: failed to marshal handoff metadata: %w", err)
	}
	if len(payload) > maxHandoffMetadataSize {
		return fmt.Errorf("descriptor: handoff metadata too large (%d bytes)", len(payload))
	}

	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return fmt.Errorf("descriptor: failed to set write deadline: %w", err)
	}
	defer conn.SetWriteDeadline(time.Time{})

	oob := syscall.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("descriptor: failed to send descriptor: %w", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("descriptor: short write sending descriptor (data %d/%d, oob %d/%d)", n, len(payload), oobn, len(oob))
	}
	return nil
}

// Receive reads one handed-off descriptor plus its metadata from conn.
// The returned fd is owned by the caller, which is responsible for
// closing it once the wrapping net.Conn is constructed (or immediately,
// on error).
func Receive(conn *net.UnixConn) (fd int, meta protocol.HandoffMetadata, err error) {
	data := make([]byte, maxHandoffMetadataSize)
	oob := make([]byte, unix.CmsgSpace(4)) // one int-sized fd

	n, oobn, _, _, readErr := conn.ReadMsgUnix(data, oob)
	if readErr != nil {
		return -1, meta, fmt.Errorf("descriptor: failed to receive descriptor: %w", readErr)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, meta, fmt.Errorf("descriptor: failed to parse control message: %w", err)
	}
	if len(scms) != 1 {
		return -1, meta, fmt.Errorf("descriptor: expected exactly one control message, got %d", len(scms))
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return -1, meta, fmt.Errorf("descriptor: failed to parse passed rights: %w", err)
	}
	if len(fds) != 1 {
		for _, f := range fds {
			unix.Close(f)
		}
		return -1, meta, fmt.Errorf("descriptor: expected exactly one descriptor, got %d", len(fds))
	}

	if err := json.Unmarshal(data[:n], &meta); err != nil {
		unix.Close(fds[0])
		return -1, meta, fmt.Errorf("descriptor: failed to unmarshal handoff metadata: %w", err)
	}

	return fds[0], meta, nil
}

// PollReadable reports whether fd has data available to read within
// timeout. The worker's receive loop does not call it.
func PollReadable(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("descriptor: poll failed: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}
