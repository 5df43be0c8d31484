package forktide

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/forktide/forktide/internal/connpool"
	"github.com/forktide/forktide/internal/httpmsg"
	"github.com/forktide/forktide/internal/httpparse"
	"github.com/forktide/forktide/internal/httpwrite"
)

// Handler processes one fully-parsed request and returns the response to
// write back. A nil return is treated as a 500. Implementations must not
// retain req.RawBody or any FilePart.TempPath beyond the call: spooled
// upload files are removed once the handler returns.
type Handler func(ctx context.Context, req *httpmsg.Request) *httpmsg.Response

func defaultHandler(_ context.Context, _ *httpmsg.Request) *httpmsg.Response {
	return httpmsg.NewResponse(404, []byte("not found"))
}

var errBodyTooLarge = errors.New("forktide: request body exceeds configured maximum")

var degradeConnIDSeq atomic.Uint64

// ServeConnection serves conn in the single-process degrade path, where
// there is no descriptor-channel metadata to supply a connection id or a
// shared pool. It generates its own id and runs with idle-timeout
// enforcement via the connection's own read deadlines rather than a
// shared sweep.
func ServeConnection(ctx context.Context, conn net.Conn, cfg *Config, logger *Logger, metrics *Metrics, handler Handler) {
	id := fmt.Sprintf("d%d", degradeConnIDSeq.Add(1))
	serveConnection(ctx, id, conn, nil, cfg, logger, metrics, handler, nil)
}

// ServeHandoffConnection serves a connection received over the descriptor
// channel, using the master-assigned connection id and tracking it in
// pool for idle-timeout sweeping. onClose, when non-nil, is invoked once
// the connection is fully closed and removed from pool, so the caller can
// report ConnectionClosed back to the master.
func ServeHandoffConnection(ctx context.Context, id string, conn net.Conn, pool *connpool.Pool, cfg *Config, logger *Logger, metrics *Metrics, handler Handler, onClose func()) {
	serveConnection(ctx, id, conn, pool, cfg, logger, metrics, handler, onClose)
}

// serveConnection is the per-connection read-parse-handle-write loop. It
// blocks until the connection closes, looping for keep-alive reuse in
// between; callers run it in its own goroutine.
func serveConnection(ctx context.Context, id string, conn net.Conn, pool *connpool.Pool, cfg *Config, logger *Logger, metrics *Metrics, handler Handler, onClose func()) {
	if handler == nil {
		handler = defaultHandler
	}
	logger = logger.WithConnection(id)

	remoteIP, remotePort := splitRemoteAddr(conn.RemoteAddr())
	pc := connpool.NewConnection(id, remoteIP, remotePort, conn)

	idleTimeout := cfg.Server.KeepAliveTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	if pool != nil {
		if err := pool.Add(pc, time.Now().Add(idleTimeout)); err != nil {
			logger.WarnContext(ctx, "connection pool at capacity, rejecting", "error", err)
			conn.Close()
			return
		}
	}

	metrics.ConnectionsActive.Add(1)
	defer func() {
		pc.MarkClosed()
		conn.Close()
		if pool != nil {
			pool.Remove(pc)
		}
		metrics.ConnectionsActive.Add(-1)
		metrics.ConnectionsClosed.Add(1)
		if onClose != nil {
			onClose()
		}
	}()

	reqTimeout := cfg.Server.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 30 * time.Second
	}
	connTimeout := cfg.Server.ConnectionTimeout
	if connTimeout <= 0 {
		connTimeout = 60 * time.Second
	}
	maxBody := int(cfg.Server.MaxRequestSize)
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	bufSize := cfg.Server.BufferSize
	if bufSize <= 0 {
		bufSize = 8192
	}
	maxRequests := cfg.Server.KeepAliveMaxRequests

	connDeadline := time.Now().Add(connTimeout)
	readBuf := make([]byte, bufSize)
	var accum []byte

	for {
		if !connDeadline.IsZero() && time.Now().After(connDeadline) {
			logger.DebugContext(ctx, "connection lifetime exceeded")
			return
		}

		headerDeadline := time.Now().Add(reqTimeout)
		if connTimeout > 0 && headerDeadline.After(connDeadline) {
			headerDeadline = connDeadline
		}
		_ = conn.SetReadDeadline(headerDeadline)

		headerEnd := -1
		for {
			if idx := httpparse.HeadersEnd(accum); idx >= 0 {
				headerEnd = idx
				break
			}
			if len(accum) > maxBody {
				writeErrorResponse(conn, "1.1", 413)
				return
			}
			n, err := conn.Read(readBuf)
			if n > 0 {
				accum = append(accum, readBuf[:n]...)
				pc.Touch()
			}
			if err != nil {
				if isTimeout(err) {
					writeErrorResponse(conn, "1.1", 408)
				}
				return
			}
		}

		headerBlock := accum[:headerEnd-len(httpparse.HeaderSentinel)]
		req, framing, err := httpparse.ParseHeaders(headerBlock)
		if err != nil {
			writeErrorResponse(conn, "1.1", 400)
			return
		}
		remainder := accum[headerEnd:]

		body, leftover, err := readBody(conn, readBuf, remainder, framing, maxBody, connDeadline, req.Headers)
		if err != nil {
			var perr *httpparse.ParseError
			switch {
			case errors.Is(err, errBodyTooLarge):
				writeErrorResponse(conn, req.Version, 413)
			case isTimeout(err):
				writeErrorResponse(conn, req.Version, 408)
			case errors.As(err, &perr):
				writeErrorResponse(conn, req.Version, 400)
			}
			return
		}
		accum = leftover
		req.RawBody = body

		path, err := httpparse.EnrichTarget(req)
		if err != nil {
			writeErrorResponse(conn, req.Version, 400)
			return
		}
		req.Path = path
		httpparse.EnrichCookies(req)
		if err := httpparse.ParseBody(req, cfg.Server.TempDir); err != nil {
			writeErrorResponse(conn, req.Version, 400)
			return
		}

		requestNum := pc.IncrementRequestCount()
		metrics.RequestsTotal.Add(1)

		reqCtx, cancel := context.WithTimeout(ctx, reqTimeout)
		resp := invokeHandler(reqCtx, handler, req, logger)
		cancel()
		removeSpooledUploads(req)

		willClose := req.Close || !cfg.Server.EnableKeepAlive || (maxRequests > 0 && requestNum >= maxRequests)
		if willClose {
			if resp.Headers == nil {
				resp.Headers = httpmsg.NewHeader()
			}
			resp.Headers.Set("Connection", "close")
		}

		_ = conn.SetWriteDeadline(time.Now().Add(reqTimeout))
		if err := httpwrite.Write(conn, req.Version, resp); err != nil {
			logger.WarnContext(ctx, "failed writing response", "error", err)
			metrics.RequestsFailed.Add(1)
			return
		}
		pc.Touch()
		if pool != nil {
			pool.RefreshDeadline(pc, time.Now().Add(idleTimeout))
		}
		metrics.RequestsSucceeded.Add(1)

		if willClose {
			return
		}
	}
}

// readBody consumes the request body per framing, reading more off conn
// as needed, and returns the decoded body plus whatever trailing bytes
// (belonging to the next request on a keep-alive connection) followed it.
// For a chunked body, any trailer fields are merged into headers under
// the same rules as the leading header block before returning.
func readBody(conn net.Conn, readBuf []byte, remainder []byte, framing httpparse.Framing, maxBody int, connDeadline time.Time, headers httpmsg.Header) ([]byte, []byte, error) {
	if !framing.HasBody {
		return nil, remainder, nil
	}

	if framing.Chunked {
		buf := remainder
		for {
			result, err := httpparse.Dechunk(buf)
			if err != nil {
				return nil, nil, err
			}
			if len(result.Body) > maxBody {
				return nil, nil, errBodyTooLarge
			}
			if result.Complete {
				if err := httpparse.MergeTrailers(headers, result.Trailers); err != nil {
					return nil, nil, err
				}
				return result.Body, buf[result.Consumed:], nil
			}
			if !connDeadline.IsZero() && time.Now().After(connDeadline) {
				return nil, nil, os.ErrDeadlineExceeded
			}
			n, err := conn.Read(readBuf)
			if n > 0 {
				buf = append(buf, readBuf[:n]...)
			}
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if framing.ContentLength > int64(maxBody) {
		return nil, nil, errBodyTooLarge
	}
	for int64(len(remainder)) < framing.ContentLength {
		n, err := conn.Read(readBuf)
		if n > 0 {
			remainder = append(remainder, readBuf[:n]...)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return remainder[:framing.ContentLength], remainder[framing.ContentLength:], nil
}

func invokeHandler(ctx context.Context, handler Handler, req *httpmsg.Request, logger *Logger) (resp *httpmsg.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "handler panicked", "panic", r)
			resp = httpmsg.NewResponse(500, []byte("internal server error"))
		}
	}()
	resp = handler(ctx, req)
	if resp == nil {
		resp = httpmsg.NewResponse(500, []byte("internal server error"))
	}
	return resp
}

func writeErrorResponse(conn net.Conn, version string, status int) {
	if version == "" {
		version = "1.1"
	}
	resp := httpmsg.NewResponse(status, []byte(httpmsg.ReasonPhrase(status, "")))
	resp.Headers.Set("Connection", "close")
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = httpwrite.Write(conn, version, resp)
}

func removeSpooledUploads(req *httpmsg.Request) {
	if req.ParsedBody == nil {
		return
	}
	for _, files := range req.ParsedBody.Files {
		for _, f := range files {
			os.Remove(f.TempPath)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func splitRemoteAddr(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}
