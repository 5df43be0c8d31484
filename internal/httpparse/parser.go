// Package httpparse implements the request-line, header, and
// body-framing parser described by the HTTP parser component: it turns a
// buffered byte stream into a normalized httpmsg.Request, rejecting any
// input that exhibits request-smuggling ambiguity (duplicate
// Content-Length/Transfer-Encoding/Host, or both CL and TE present).
package httpparse

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/forktide/forktide/internal/httpmsg"
)

// HeaderSentinel is the end-of-headers marker the worker event loop looks
// for before invoking the parser.
var HeaderSentinel = []byte("\r\n\r\n")

// ErrIncompleteHeaders is returned when buf does not yet contain the
// end-of-headers sentinel; the caller should keep reading.
var ErrIncompleteHeaders = errors.New("httpparse: headers incomplete")

// ParseError wraps a parse failure; the worker event loop responds 400
// and closes the connection for any ParseError.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "httpparse: " + e.Reason }

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// HeadersEnd returns the offset just past the end-of-headers sentinel in
// buf, or -1 if the sentinel is not yet present.
func HeadersEnd(buf []byte) int {
	idx := bytes.Index(buf, HeaderSentinel)
	if idx < 0 {
		return -1
	}
	return idx + len(HeaderSentinel)
}

// Framing describes how much of the body (if any) is required, as
// determined purely from the header block, before ParseBody can run.
type Framing struct {
	Chunked       bool
	ContentLength int64
	HasBody       bool
}

// ParseHeaders parses the request line and header fields from the header
// block (everything before the CRLFCRLF sentinel, sentinel excluded) and
// returns the partially-populated request plus its body framing. It
// enforces the request-smuggling defenses; any violation is a ParseError.
func ParseHeaders(headerBlock []byte) (*httpmsg.Request, Framing, error) {
	lines := splitCRLFLines(headerBlock)
	if len(lines) == 0 {
		return nil, Framing{}, parseErrorf("empty header block")
	}

	method, uri, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, Framing{}, err
	}

	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, Framing{}, err
	}

	if headers.Count("Content-Length") > 1 {
		return nil, Framing{}, parseErrorf("duplicate Content-Length")
	}
	if headers.Count("Transfer-Encoding") > 1 {
		return nil, Framing{}, parseErrorf("duplicate Transfer-Encoding")
	}
	if headers.Count("Host") > 1 {
		return nil, Framing{}, parseErrorf("duplicate Host")
	}
	hasCL := headers.Count("Content-Length") == 1
	hasTE := headers.Count("Transfer-Encoding") == 1
	if hasCL && hasTE {
		return nil, Framing{}, parseErrorf("both Content-Length and Transfer-Encoding present")
	}

	framing := Framing{}
	switch {
	case hasTE && headers.ContainsToken("Transfer-Encoding", "chunked"):
		framing.Chunked = true
		framing.HasBody = true
	case hasCL:
		n, convErr := strconv.ParseInt(strings.TrimSpace(headers.Get("Content-Length")), 10, 64)
		if convErr != nil || n < 0 {
			return nil, Framing{}, parseErrorf("invalid Content-Length")
		}
		framing.ContentLength = n
		framing.HasBody = n > 0
	}

	req := &httpmsg.Request{
		Method:  method,
		URI:     uri,
		Version: version,
		Headers: headers,
	}
	req.Close = connectionRequestsClose(req)

	return req, framing, nil
}

func connectionRequestsClose(req *httpmsg.Request) bool {
	conn := strings.ToLower(req.Headers.Get("Connection"))
	if conn == "close" {
		return true
	}
	if req.Version == "1.0" && conn != "keep-alive" {
		return true
	}
	return false
}

func parseRequestLine(line string) (httpmsg.Method, string, string, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", "", "", parseErrorf("malformed request line %q", line)
	}

	methodTok := httpmsg.Method(strings.ToUpper(parts[0]))
	if !httpmsg.ValidMethods[methodTok] {
		return "", "", "", parseErrorf("unrecognized method %q", parts[0])
	}

	uri := parts[1]
	if uri == "" {
		return "", "", "", parseErrorf("empty request target")
	}

	version, err := parseProtocolVersion(parts[2])
	if err != nil {
		return "", "", "", err
	}

	return methodTok, uri, version, nil
}

func parseProtocolVersion(tok string) (string, error) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(tok, prefix) {
		return "", parseErrorf("malformed protocol %q", tok)
	}
	rest := tok[len(prefix):]
	major, minor, ok := strings.Cut(rest, ".")
	if !ok || major == "" || minor == "" {
		return "", parseErrorf("malformed protocol version %q", tok)
	}
	if _, err := strconv.Atoi(major); err != nil {
		return "", parseErrorf("malformed protocol major %q", tok)
	}
	if _, err := strconv.Atoi(minor); err != nil {
		return "", parseErrorf("malformed protocol minor %q", tok)
	}
	return major + "." + minor, nil
}

func parseHeaderLines(lines []string) (httpmsg.Header, error) {
	headers := httpmsg.NewHeader()
	var lastKey string

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation line: append to the previous header's last
			// value with a single interior space.
			if lastKey == "" {
				return nil, parseErrorf("continuation line with no preceding header")
			}
			vals := headers[lastKey]
			if len(vals) == 0 {
				return nil, parseErrorf("continuation line with no preceding value")
			}
			vals[len(vals)-1] = vals[len(vals)-1] + " " + strings.TrimSpace(line)
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, parseErrorf("malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		canon := httpmsg.CanonicalHeaderName(strings.TrimSpace(name))
		headers[canon] = append(headers[canon], value)
		lastKey = canon
	}

	return headers, nil
}

// MergeTrailers parses a chunked body's trailer section (the raw header
// block in DechunkResult.Trailers, sentinel excluded) and appends its
// fields into headers under the same canonicalization rule ParseHeaders
// applies to the leading header block. Content-Length, Transfer-Encoding,
// and Host are never permitted in a trailer: RFC 7230 forbids
// Transfer-Encoding and Content-Length there outright, and allowing any
// of the three would let a trailer smuggle a second framing header past
// the duplicate checks already enforced on the request's own headers.
func MergeTrailers(headers httpmsg.Header, trailerBlock []byte) error {
	if len(trailerBlock) == 0 {
		return nil
	}

	trailers, err := parseHeaderLines(splitCRLFLines(trailerBlock))
	if err != nil {
		return err
	}

	for name, values := range trailers {
		switch name {
		case "Content-Length", "Transfer-Encoding", "Host":
			return parseErrorf("trailer %q not permitted to redefine a framing header", name)
		}
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return nil
}

func splitCRLFLines(block []byte) []string {
	s := string(block)
	s = strings.TrimSuffix(s, "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}
