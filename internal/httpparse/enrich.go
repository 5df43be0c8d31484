package httpparse

import (
	"net/url"
	"strings"

	"github.com/forktide/forktide/internal/httpmsg"
)

// EnrichTarget splits the request's URI into its path and populates Query
// from the query string, applying "key[]"-array semantics: a repeated
// "key[]" parameter accumulates under the literal "key[]" name so callers
// can distinguish array-style submission from an incidentally repeated
// plain key.
func EnrichTarget(req *httpmsg.Request) (path string, err error) {
	raw := req.URI
	path = raw
	query := ""
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		path = raw[:idx]
		query = raw[idx+1:]
	}

	decodedPath, err := url.PathUnescape(path)
	if err != nil {
		return "", parseErrorf("malformed request target encoding")
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return "", parseErrorf("malformed query string")
	}

	// Collapse non-array keys to their last value so direct map access
	// (req.Query["key"]) agrees with QueryValue: a repeated plain key is
	// last-value-wins, while "key[]" keeps every value in submission
	// order.
	for key, vals := range values {
		if len(vals) > 1 && !strings.HasSuffix(key, "[]") {
			values[key] = vals[len(vals)-1:]
		}
	}

	req.Query = map[string][]string(values)
	return decodedPath, nil
}

// EnrichCookies parses the Cookie header into a flat name->value map; the
// last occurrence of a repeated cookie name wins, matching common
// browser behavior. Values are URL-decoded, falling back to the raw
// trimmed value if a value isn't validly percent-encoded, matching the
// rest of the parser's lenient-but-bounded error style.
func EnrichCookies(req *httpmsg.Request) {
	req.Cookies = make(map[string]string)
	for _, header := range req.Headers.Values("Cookie") {
		for _, pair := range strings.Split(header, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, value, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			if decoded, err := url.QueryUnescape(value); err == nil {
				value = decoded
			}
			req.Cookies[strings.TrimSpace(name)] = value
		}
	}
}
