// Package httpwrite serializes an httpmsg.Response back onto the wire in
// one of three modes: a whole buffered body with a Content-Length, a
// chunked stream for a BodyProducer of unknown length, or a
// size-buffered stream that flushes fixed-size chunks as a producer
// fills them and a final residual chunk at EOF.
package httpwrite

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/forktide/forktide/internal/httpmsg"
)

// DefaultChunkSize is the buffer size used by the size-buffered writer
// mode when the caller doesn't override it. The chunked mode emits each
// producer chunk as-is and does not use it.
const DefaultChunkSize = 8192

// Write serializes resp to w as an HTTP/1.1 response. version is the
// request's protocol version, echoed back on the status line.
func Write(w io.Writer, version string, resp *httpmsg.Response) error {
	bw := bufio.NewWriter(w)

	reason := httpmsg.ReasonPhrase(resp.Status, resp.Reason)
	if _, err := fmt.Fprintf(bw, "HTTP/%s %d %s\r\n", version, resp.Status, reason); err != nil {
		return err
	}

	headers := resp.Headers
	if headers == nil {
		headers = httpmsg.NewHeader()
	}

	if resp.Producer != nil {
		return writeChunked(bw, headers, resp.Producer)
	}
	return writeBuffered(bw, headers, resp.Body)
}

func writeBuffered(bw *bufio.Writer, headers httpmsg.Header, body []byte) error {
	if headers.Get("Content-Length") == "" {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	headers.Del("Transfer-Encoding")

	if err := writeHeaders(bw, headers); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

func writeChunked(bw *bufio.Writer, headers httpmsg.Header, producer httpmsg.BodyProducer) error {
	headers.Del("Content-Length")
	headers.Set("Transfer-Encoding", "chunked")

	if err := writeHeaders(bw, headers); err != nil {
		return err
	}

	for {
		chunk, err := producer.Next()
		if len(chunk) > 0 {
			if _, werr := fmt.Fprintf(bw, "%x\r\n", len(chunk)); werr != nil {
				return werr
			}
			if _, werr := bw.Write(chunk); werr != nil {
				return werr
			}
			if _, werr := bw.WriteString("\r\n"); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			if _, werr := bw.WriteString("0\r\n\r\n"); werr != nil {
				return werr
			}
			return bw.Flush()
		}
		if err != nil {
			return err
		}
	}
}

// WriteSizeBuffered streams producer in fixed-size buffered chunks using
// a known total size (total >= 0): the body is written with a
// Content-Length rather than chunked framing, buffering up to bufSize
// bytes per write and flushing any residual at EOF. Use this mode when
// the handler knows the final size ahead of time but wants to avoid
// holding the whole body in memory at once.
func WriteSizeBuffered(w io.Writer, version string, resp *httpmsg.Response, total int64, bufSize int) error {
	if bufSize <= 0 {
		bufSize = DefaultChunkSize
	}
	bw := bufio.NewWriterSize(w, bufSize)

	reason := httpmsg.ReasonPhrase(resp.Status, resp.Reason)
	if _, err := fmt.Fprintf(bw, "HTTP/%s %d %s\r\n", version, resp.Status, reason); err != nil {
		return err
	}

	headers := resp.Headers
	if headers == nil {
		headers = httpmsg.NewHeader()
	}
	headers.Set("Content-Length", strconv.FormatInt(total, 10))
	headers.Del("Transfer-Encoding")
	if err := writeHeaders(bw, headers); err != nil {
		return err
	}

	var written int64
	for written < total {
		chunk, err := resp.Producer.Next()
		if len(chunk) > 0 {
			if _, werr := bw.Write(chunk); werr != nil {
				return werr
			}
			written += int64(len(chunk))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeHeaders(bw *bufio.Writer, headers httpmsg.Header) error {
	for name, values := range headers {
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	_, err := bw.WriteString("\r\n")
	return err
}
