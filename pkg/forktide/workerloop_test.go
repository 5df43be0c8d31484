package forktide

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/forktide/forktide/internal/httpmsg"
)

func testConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout:       2 * time.Second,
			ConnectionTimeout:    5 * time.Second,
			MaxRequestSize:       1 << 20,
			BufferSize:           4096,
			EnableKeepAlive:      true,
			KeepAliveTimeout:     2 * time.Second,
			KeepAliveMaxRequests: 100,
		},
	}
}

func servePipe(t *testing.T, handler Handler) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	metrics := NewMetrics()
	go ServeConnection(context.Background(), server, testConfig(), logger, metrics, handler)
	return client
}

func readResponseLine(t *testing.T, r *bufio.Reader, conn net.Conn, timeout time.Duration) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read response line: %v", err)
	}
	return strings.TrimSpace(line)
}

func drainHeaders(t *testing.T, r *bufio.Reader, conn net.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		l, err := r.ReadString('\n')
		if err != nil || l == "\r\n" {
			return
		}
	}
}

func TestServeConnection_SimpleGet(t *testing.T) {
	client := servePipe(t, func(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
		if req.Path != "/hello" {
			t.Errorf("expected path /hello, got %q", req.Path)
		}
		return httpmsg.NewResponse(200, []byte("hi"))
	})
	defer client.Close()

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Errorf("expected 200 status line, got %q", line)
	}
}

func TestServeConnection_KeepAliveServesMultipleRequests(t *testing.T) {
	count := 0
	client := servePipe(t, func(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
		count++
		return httpmsg.NewResponse(200, []byte("ok"))
	})
	defer client.Close()

	r := bufio.NewReader(client)
	for i := 0; i < 2; i++ {
		client.SetWriteDeadline(time.Now().Add(time.Second))
		client.Write([]byte("GET /ping HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		line := readResponseLine(t, r, client, time.Second)
		if !strings.HasPrefix(line, "HTTP/1.1 200") {
			t.Fatalf("request %d: expected 200, got %q", i, line)
		}
		drainHeaders(t, r, client, time.Second)
		// Body is exactly 2 bytes ("ok"); consume it so it doesn't bleed
		// into the next response line read.
		buf := make([]byte, 2)
		client.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("request %d: failed to read body: %v", i, err)
		}
	}

	if count != 2 {
		t.Errorf("expected handler invoked twice, got %d", count)
	}
}

func TestServeConnection_BodyTooLargeRejected(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	cfg := testConfig()
	cfg.Server.MaxRequestSize = 8
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	metrics := NewMetrics()
	go ServeConnection(context.Background(), server, cfg, logger, metrics, func(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
		return httpmsg.NewResponse(200, nil)
	})

	body := strings.Repeat("x", 64)
	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("POST /upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 64\r\n\r\n" + body))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 413") {
		t.Errorf("expected 413 status line, got %q", line)
	}
}

func TestServeConnection_MalformedRequestRejected(t *testing.T) {
	client := servePipe(t, defaultHandler)
	defer client.Close()

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("NOTAMETHOD / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 400") {
		t.Errorf("expected 400 status line, got %q", line)
	}
}

func TestServeConnection_SmugglingDefenseRejectsDuplicateContentLength(t *testing.T) {
	client := servePipe(t, defaultHandler)
	defer client.Close()

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("POST / HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\nContent-Length: 5\r\n\r\nhello"))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 400") {
		t.Errorf("expected 400 status line, got %q", line)
	}
}

func TestServeConnection_ChunkedTrailerSmugglingDefenseRejectsContentLength(t *testing.T) {
	client := servePipe(t, defaultHandler)
	defer client.Close()

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("POST / HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\nContent-Length: 5\r\n\r\n"))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 400") {
		t.Errorf("expected 400 status line, got %q", line)
	}
}

func TestServeConnection_ChunkedTrailerMergedIntoHeaders(t *testing.T) {
	var gotTrailer string
	client := servePipe(t, func(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
		gotTrailer = req.Headers.Get("X-Checksum")
		return httpmsg.NewResponse(200, nil)
	})
	defer client.Close()

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("POST / HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
		"5\r\nhello\r\n0\r\nX-Checksum: abc123\r\n\r\n"))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("expected 200 status line, got %q", line)
	}
	if gotTrailer != "abc123" {
		t.Errorf("expected trailer merged into headers as abc123, got %q", gotTrailer)
	}
}

func TestServeConnection_HandlerPanicRecoversAs500(t *testing.T) {
	client := servePipe(t, func(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
		panic("boom")
	})
	defer client.Close()

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))

	r := bufio.NewReader(client)
	line := readResponseLine(t, r, client, time.Second)
	if !strings.HasPrefix(line, "HTTP/1.1 500") {
		t.Errorf("expected 500 status line, got %q", line)
	}
}
