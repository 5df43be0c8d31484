package httpmsg

// Method is one of the fixed set of HTTP methods the parser accepts.
type Method string

// The fixed set of recognized methods; anything else is a parse error.
const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
	MethodConnect Method = "CONNECT"
)

// ValidMethods enumerates the fixed method set for membership checks.
var ValidMethods = map[Method]bool{
	MethodGet: true, MethodPost: true, MethodPut: true, MethodDelete: true,
	MethodPatch: true, MethodHead: true, MethodOptions: true, MethodTrace: true,
	MethodConnect: true,
}

// FilePart is an uploaded file extracted from a multipart/form-data body;
// its content is written to a temporary backing file rather than held
// in memory.
type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string
	TempPath    string
	Size        int64
}

// Body holds the parsed representation of a request body, whichever of
// the three shapes applied: Form for urlencoded bodies, JSON for JSON
// bodies, and Files plus Parts together for multipart bodies.
type Body struct {
	Form  map[string][]string    // application/x-www-form-urlencoded
	JSON  interface{}            // application/json (nil if malformed or absent)
	Files map[string][]FilePart  // multipart/form-data file parts by field name
	Parts map[string][]string    // multipart/form-data non-file field values
}

// Request is the normalized record the HTTP parser produces and the user
// callback consumes.
type Request struct {
	Method      Method
	URI         string
	Path        string // decoded path portion of URI, populated by EnrichTarget
	Version     string // "1.0" or "1.1"
	Headers     Header
	RawBody     []byte
	Query       map[string][]string
	Cookies     map[string]string
	ParsedBody  *Body
	Close       bool // Connection: close was requested
}

// QueryValue returns the last value recorded in Query under key, or ""
// when there is none. Array-style ("key[]") values are not combined here;
// every one of them stays available in Query itself.
func (r *Request) QueryValue(key string) string {
	vals := r.Query[key]
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}
