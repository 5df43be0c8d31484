//go:build linux || darwin || freebsd || openbsd || netbsd

package forktide

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCPWithBacklog opens a TCP listener on host:port with the
// OS-level accept backlog set explicitly to backlog. The net package's
// own Listen does not expose this knob — it always asks the kernel for
// its platform-computed maximum — so pool.backlog only has teeth if the
// socket is built by hand and listen(2) is called directly.
func listenTCPWithBacklog(host string, port int, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = 128
	}

	ip := net.ParseIP(host)
	domain := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind: %w", err)
		}
	} else {
		sa := &unix.SockaddrInet4{Port: port}
		if ip != nil {
			copy(sa.Addr[:], ip.To4())
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind: %w", err)
		}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("forktide-listener-%s:%d", host, port))
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("FileListener: %w", err)
	}
	return ln, nil
}
