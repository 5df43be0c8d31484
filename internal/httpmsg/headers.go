// Package httpmsg defines the normalized request and response records that
// flow between the HTTP parser, the user callback, and the response
// writer inside a worker's event loop.
package httpmsg

import "strings"

// Header is a case-insensitive mapping of canonical header name to an
// ordered list of decoded values, matching the data model's "mapping of
// header-name -> list of values, insertion order irrelevant but values
// ordered" requirement.
type Header map[string][]string

// NewHeader constructs an empty Header map.
func NewHeader() Header {
	return make(Header)
}

// CanonicalHeaderName converts a header name to hyphen-separated title
// case, e.g. "content-length" -> "Content-Length".
func CanonicalHeaderName(name string) string {
	if name == "" {
		return name
	}
	b := []byte(name)
	upperNext := true
	for i, c := range b {
		switch {
		case c == '-':
			upperNext = true
		case upperNext:
			if c >= 'a' && c <= 'z' {
				b[i] = c - 'a' + 'A'
			}
			upperNext = false
		default:
			if c >= 'A' && c <= 'Z' {
				b[i] = c - 'A' + 'a'
			}
		}
	}
	return string(b)
}

// Add appends value to the list for the canonicalized name.
func (h Header) Add(name, value string) {
	key := CanonicalHeaderName(name)
	h[key] = append(h[key], value)
}

// Set replaces any existing values for name with a single value.
func (h Header) Set(name, value string) {
	h[CanonicalHeaderName(name)] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	vals := h[CanonicalHeaderName(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Values returns all values for name in insertion order.
func (h Header) Values(name string) []string {
	return h[CanonicalHeaderName(name)]
}

// Count returns how many values are stored for name.
func (h Header) Count(name string) int {
	return len(h[CanonicalHeaderName(name)])
}

// Del removes all values for name.
func (h Header) Del(name string) {
	delete(h, CanonicalHeaderName(name))
}

// ContainsToken reports whether any value for name contains token as a
// case-insensitive substring, used for Transfer-Encoding's "chunked"
// detection which must match regardless of what else shares the header
// value (e.g. "gzip, chunked").
func (h Header) ContainsToken(name, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h.Values(name) {
		if strings.Contains(strings.ToLower(v), token) {
			return true
		}
	}
	return false
}
