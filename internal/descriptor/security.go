package descriptor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// SecurityConfig governs how the master's descriptor-channel listening
// socket is created and which peers are allowed to use it.
type SecurityConfig struct {
	// SocketDir is the directory the control socket is created in.
	// Defaults to /run/forktide when running as root, otherwise
	// $TMPDIR/forktide.
	SocketDir string

	// SocketPerms are the permissions applied to the socket file.
	SocketPerms os.FileMode

	// DirPerms are the permissions applied to SocketDir.
	DirPerms os.FileMode

	// AllowedUIDs restricts connecting peers to this UID set; empty means
	// any UID verified below still applies.
	AllowedUIDs []uint32

	// RequireSameUser restricts connecting peers to the master's own
	// effective UID, which is the expected case since only the master's
	// own forked workers should ever dial this socket.
	RequireSameUser bool
}

// DefaultSecurityConfig returns sane defaults: owner-only socket
// permissions and same-UID peer verification.
func DefaultSecurityConfig() SecurityConfig {
	cfg := SecurityConfig{
		SocketPerms:     0600,
		DirPerms:        0750,
		RequireSameUser: true,
	}
	if os.Geteuid() == 0 {
		cfg.SocketDir = "/run/forktide"
	} else {
		cfg.SocketDir = filepath.Join(os.TempDir(), "forktide")
	}
	return cfg
}

// PreparePath creates SocketDir with the configured permissions and
// returns the path for socketName, removing any stale socket file left
// over from a prior run.
func PreparePath(cfg SecurityConfig, socketName string) (string, error) {
	if err := os.MkdirAll(cfg.SocketDir, cfg.DirPerms); err != nil {
		return "", fmt.Errorf("descriptor: failed to create socket directory %s: %w", cfg.SocketDir, err)
	}
	if err := os.Chmod(cfg.SocketDir, cfg.DirPerms); err != nil {
		return "", fmt.Errorf("descriptor: failed to set socket directory permissions: %w", err)
	}

	path := filepath.Join(cfg.SocketDir, socketName)
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("descriptor: failed to remove stale socket file: %w", err)
	}
	return path, nil
}

// VerifyPeer checks conn's peer credentials against cfg, failing closed
// if the platform cannot report peer credentials at all.
func VerifyPeer(conn net.Conn, cfg SecurityConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("descriptor: connection is not a Unix domain socket")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("descriptor: failed to get raw connection: %w", err)
	}

	var creds *PeerCredentials
	var credErr error
	if err := rawConn.Control(func(fd uintptr) {
		creds, credErr = getPeerCredentials(int(fd))
	}); err != nil {
		return fmt.Errorf("descriptor: failed to control connection: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("descriptor: failed to read peer credentials: %w", credErr)
	}
	if creds == nil {
		return errors.New("descriptor: peer credentials unavailable")
	}

	if cfg.RequireSameUser && creds.UID != uint32(os.Geteuid()) {
		return fmt.Errorf("descriptor: peer UID %d does not match master UID %d", creds.UID, os.Geteuid())
	}

	if len(cfg.AllowedUIDs) > 0 {
		allowed := false
		for _, uid := range cfg.AllowedUIDs {
			if creds.UID == uid {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("descriptor: peer UID %d is not permitted", creds.UID)
		}
	}

	return nil
}

// SecureListener wraps a Unix listener, verifying each accepted peer's
// credentials and the HMAC handshake before handing the connection back.
type SecureListener struct {
	net.Listener
	secConfig SecurityConfig
	auth      *HMACAuth
}

// Listen creates the control-channel listening socket at a path derived
// from secConfig and socketName, then wraps it for authenticated accepts.
func Listen(secConfig SecurityConfig, socketName string, secret []byte) (*SecureListener, error) {
	path, err := PreparePath(secConfig, socketName)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, secConfig.SocketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("descriptor: failed to set socket permissions: %w", err)
	}

	return &SecureListener{Listener: listener, secConfig: secConfig, auth: NewHMACAuth(secret)}, nil
}

// Accept accepts a connection, verifies its peer credentials, then runs
// the server side of the HMAC handshake.
func (l *SecureListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if err := VerifyPeer(conn, l.secConfig); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("descriptor: peer verification failed: %w", err)
	}
	if err := l.auth.AuthenticateServer(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("descriptor: handshake failed: %w", err)
	}

	return conn, nil
}

// Dial connects to the control-channel socket at path and completes the
// client side of the HMAC handshake.
func Dial(path string, secret []byte) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: failed to dial %s: %w", path, err)
	}

	auth := NewHMACAuth(secret)
	if err := auth.AuthenticateClient(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("descriptor: handshake failed: %w", err)
	}
	return conn, nil
}
