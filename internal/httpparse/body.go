package httpparse

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"os"
	"strings"

	"github.com/forktide/forktide/internal/httpmsg"
)

// MaxMultipartMemory is a 2 MiB multipart memory figure. parseMultipartBody
// does not consult it: non-file field values are read fully into memory
// and file parts are always written out to TempDir regardless of size.
const MaxMultipartMemory = 2 << 20 // 2 MiB

// ParseBody inspects the request's Content-Type and decodes RawBody into
// ParsedBody. tempDir names the directory file uploads are spooled into;
// an empty tempDir uses the OS default. A body with no recognized
// Content-Type, or no body at all, leaves ParsedBody nil.
func ParseBody(req *httpmsg.Request, tempDir string) error {
	if len(req.RawBody) == 0 {
		return nil
	}

	contentType := req.Headers.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Unparseable or absent Content-Type: leave the body raw for the
		// callback to interpret itself.
		return nil
	}

	switch {
	case mediaType == "application/json":
		return parseJSONBody(req)
	case mediaType == "application/x-www-form-urlencoded":
		return parseFormBody(req)
	case mediaType == "multipart/form-data":
		boundary, ok := params["boundary"]
		if !ok || boundary == "" {
			return parseErrorf("multipart/form-data missing boundary parameter")
		}
		return parseMultipartBody(req, boundary, tempDir)
	default:
		return nil
	}
}

func parseJSONBody(req *httpmsg.Request) error {
	var v interface{}
	if err := json.Unmarshal(req.RawBody, &v); err != nil {
		// Malformed JSON is reported to the callback as a ParsedBody whose
		// JSON field is nil rather than aborting the connection; the
		// handler decides whether that is fatal to the request.
		req.ParsedBody = &httpmsg.Body{}
		return nil
	}
	req.ParsedBody = &httpmsg.Body{JSON: v}
	return nil
}

func parseFormBody(req *httpmsg.Request) error {
	values, err := url.ParseQuery(string(req.RawBody))
	if err != nil {
		return parseErrorf("malformed form body")
	}
	req.ParsedBody = &httpmsg.Body{Form: map[string][]string(values)}
	return nil
}

func parseMultipartBody(req *httpmsg.Request, boundary, tempDir string) error {
	if !multipartBoundaryValid(boundary) {
		return parseErrorf("invalid multipart boundary %q", boundary)
	}

	reader := multipart.NewReader(strings.NewReader(string(req.RawBody)), boundary)
	body := &httpmsg.Body{
		Files: make(map[string][]httpmsg.FilePart),
		Parts: make(map[string][]string),
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parseErrorf("malformed multipart body: %v", err)
		}

		if part.FileName() == "" {
			data, readErr := io.ReadAll(part)
			part.Close()
			if readErr != nil {
				return parseErrorf("malformed multipart field: %v", readErr)
			}
			name := part.FormName()
			body.Parts[name] = append(body.Parts[name], string(data))
			continue
		}

		tmp, createErr := os.CreateTemp(tempDir, "forktide-upload-*")
		if createErr != nil {
			part.Close()
			return parseErrorf("failed to spool upload: %v", createErr)
		}
		n, copyErr := io.Copy(tmp, part)
		part.Close()
		tmp.Close()
		if copyErr != nil {
			os.Remove(tmp.Name())
			return parseErrorf("failed writing upload: %v", copyErr)
		}

		name := part.FormName()
		body.Files[name] = append(body.Files[name], httpmsg.FilePart{
			FieldName:   name,
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			TempPath:    tmp.Name(),
			Size:        n,
		})
	}

	req.ParsedBody = body
	return nil
}

// multipartBoundaryValid enforces RFC 2046's bcharsnospace grammar
// (loosely): 1-70 characters drawn from the permitted alphabet, not
// ending in a space.
func multipartBoundaryValid(boundary string) bool {
	if len(boundary) == 0 || len(boundary) > 70 {
		return false
	}
	if strings.HasSuffix(boundary, " ") {
		return false
	}
	const allowed = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ'()+_,-./:=? "
	for _, c := range boundary {
		if !strings.ContainsRune(allowed, c) {
			return false
		}
	}
	return true
}
