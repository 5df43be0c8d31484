package descriptor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"
)

const handshakeTimeout = 5 * time.Second

// HMACAuth challenges a descriptor-channel peer to prove knowledge of a
// shared secret before any descriptor traffic is trusted on the
// connection. The master generates the secret at startup and passes it
// to each worker it forks; a peer that cannot produce the right response
// is never a legitimate worker of this master.
type HMACAuth struct {
	secret []byte
}

// NewHMACAuth builds an authenticator around secret.
func NewHMACAuth(secret []byte) *HMACAuth {
	return &HMACAuth{secret: secret}
}

// GenerateSecret returns a fresh random 32-byte shared secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("descriptor: failed to generate secret: %w", err)
	}
	return secret, nil
}

// AuthenticateServer is run by the master (Accept side): it issues a
// random challenge and verifies the peer's HMAC response.
func (h *HMACAuth) AuthenticateServer(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("descriptor: failed to set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("descriptor: failed to generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("descriptor: failed to send challenge: %w", err)
	}

	response := make([]byte, 32)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("descriptor: failed to read handshake response: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(response, expected) {
		conn.Write([]byte{0})
		return fmt.Errorf("descriptor: HMAC verification failed")
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("descriptor: failed to send handshake success: %w", err)
	}
	return nil
}

// AuthenticateClient is run by a forked worker (Dial side): it answers
// the master's challenge with the matching HMAC.
func (h *HMACAuth) AuthenticateClient(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("descriptor: failed to set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("descriptor: failed to read challenge: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	response := mac.Sum(nil)
	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("descriptor: failed to send handshake response: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("descriptor: failed to read handshake result: %w", err)
	}
	if result[0] != 1 {
		return fmt.Errorf("descriptor: handshake rejected by master")
	}
	return nil
}
