//go:build darwin

package descriptor

import (
	"fmt"
	"syscall"
	"unsafe"
)

// getPeerCredentials retrieves the peer's identity using LOCAL_PEERCRED;
// Darwin has no peer PID in this structure.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	type xucred struct {
		version uint32
		uid     uint32
		ngroups int16
		groups  [16]uint32
	}

	const localPeerCred = 0x001
	const solLocal = 0

	cred := &xucred{}
	credLen := uint32(unsafe.Sizeof(*cred))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(solLocal),
		uintptr(localPeerCred),
		uintptr(unsafe.Pointer(cred)),
		uintptr(unsafe.Pointer(&credLen)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("getsockopt LOCAL_PEERCRED failed: %v", errno)
	}

	return &PeerCredentials{UID: cred.uid, GID: cred.groups[0], PID: 0}, nil
}
