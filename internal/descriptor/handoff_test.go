package descriptor

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/forktide/forktide/internal/protocol"
)

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	// net.Pipe does not support SCM_RIGHTS framing, so the handoff test
	// uses a real Unix domain socket pair via net.ListenUnix/net.DialUnix
	// against a temp path instead.
	dir := t.TempDir()
	path := dir + "/handoff.sock"

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan *net.UnixConn, 1)
	go func() {
		conn, acceptErr := ln.AcceptUnix()
		if acceptErr != nil {
			serverCh <- nil
			return
		}
		serverCh <- conn
	}()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server := <-serverCh
	if server == nil {
		t.Fatal("failed to accept")
	}

	return server, client
}

func TestHandoff_SendReceiveRoundTrip(t *testing.T) {
	server, client := socketpair(t)
	defer server.Close()
	defer client.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "handoff-fd-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer tmp.Close()
	fd := int(tmp.Fd())

	meta := protocol.HandoffMetadata{
		WorkerID:     3,
		ConnectionID: "conn-abc",
		RemoteIP:     "10.1.2.3",
		RemotePort:   55123,
		AcceptedAt:   1700000000.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- Send(server, fd, meta)
	}()

	gotFd, gotMeta, err := Receive(client)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	defer os.NewFile(uintptr(gotFd), "received").Close()

	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if gotMeta != meta {
		t.Errorf("metadata mismatch: got %+v, want %+v", gotMeta, meta)
	}
	if gotFd < 0 {
		t.Error("expected a valid descriptor")
	}
}

func TestHMACAuth_SuccessfulHandshake(t *testing.T) {
	server, client := socketpair(t)
	defer server.Close()
	defer client.Close()

	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- NewHMACAuth(secret).AuthenticateServer(server)
	}()

	if err := NewHMACAuth(secret).AuthenticateClient(client); err != nil {
		t.Fatalf("client authentication failed: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server authentication failed: %v", err)
	}
}

func TestHMACAuth_WrongSecretFails(t *testing.T) {
	server, client := socketpair(t)
	defer server.Close()
	defer client.Close()

	serverSecret, _ := GenerateSecret()
	clientSecret, _ := GenerateSecret()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- NewHMACAuth(serverSecret).AuthenticateServer(server)
	}()

	clientErr := NewHMACAuth(clientSecret).AuthenticateClient(client)
	if clientErr == nil {
		t.Fatal("expected client authentication to fail with a mismatched secret")
	}
	if err := <-serverDone; err == nil {
		t.Fatal("expected server authentication to reject a mismatched secret")
	}
}

func TestPollReadable_TimesOutWithNoData(t *testing.T) {
	_, client := socketpair(t)
	defer client.Close()

	rawConn, err := client.SyscallConn()
	if err != nil {
		t.Fatalf("failed to get raw conn: %v", err)
	}

	var readable bool
	var pollErr error
	err = rawConn.Control(func(fd uintptr) {
		readable, pollErr = PollReadable(int(fd), 50*time.Millisecond)
	})
	if err != nil {
		t.Fatalf("control failed: %v", err)
	}
	if pollErr != nil {
		t.Fatalf("poll failed: %v", pollErr)
	}
	if readable {
		t.Error("expected no data to be readable")
	}
}
