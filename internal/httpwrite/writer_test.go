package httpwrite

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/forktide/forktide/internal/httpmsg"
)

func TestWrite_Buffered(t *testing.T) {
	var buf bytes.Buffer
	resp := httpmsg.NewResponse(200, []byte("hello"))
	if err := Write(&buf, "1.1", resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("unexpected status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Errorf("expected Content-Length header, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello") {
		t.Errorf("expected body after headers, got %q", out)
	}
}

type fixedProducer struct {
	chunks [][]byte
	idx    int
}

func (p *fixedProducer) Next() ([]byte, error) {
	if p.idx >= len(p.chunks) {
		return nil, io.EOF
	}
	c := p.chunks[p.idx]
	p.idx++
	return c, nil
}

func TestWrite_Chunked(t *testing.T) {
	var buf bytes.Buffer
	resp := &httpmsg.Response{
		Status:   200,
		Headers:  httpmsg.NewHeader(),
		Producer: &fixedProducer{chunks: [][]byte{[]byte("foo"), []byte("bar")}},
	}
	if err := Write(&buf, "1.1", resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Errorf("expected chunked transfer encoding, got %q", out)
	}
	if !strings.Contains(out, "3\r\nfoo\r\n") || !strings.Contains(out, "3\r\nbar\r\n") {
		t.Errorf("expected chunk framing for foo/bar, got %q", out)
	}
	if !strings.HasSuffix(out, "0\r\n\r\n") {
		t.Errorf("expected terminating chunk, got %q", out)
	}
}

func TestWrite_DefaultsReasonPhrase(t *testing.T) {
	var buf bytes.Buffer
	resp := httpmsg.NewResponse(404, nil)
	if err := Write(&buf, "1.1", resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("unexpected status line: %q", buf.String())
	}
}
