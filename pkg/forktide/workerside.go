package forktide

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forktide/forktide/internal/connpool"
	"github.com/forktide/forktide/internal/descriptor"
	"github.com/forktide/forktide/internal/framing"
	"github.com/forktide/forktide/internal/protocol"
)

// connSweepInterval is how often a worker's connection pool is swept for
// idle connections.
const connSweepInterval = time.Second

// RunWorker is the worker-process-side entry point, invoked by the
// "worker" subcommand after a self-exec fork. It listens on its own
// control socket (the master dials in as the client once this process is
// ready), then loops receiving handed-off client descriptors and serving
// each with handler until ctx is cancelled.
func RunWorker(ctx context.Context, id int, controlSocketPath string, secret []byte, cfg *Config, logger *Logger, handler Handler) error {
	logger = logger.WithWorker(id)

	secConfig := descriptor.DefaultSecurityConfig()
	secConfig.SocketDir = filepath.Dir(controlSocketPath)

	ln, err := descriptor.Listen(secConfig, filepath.Base(controlSocketPath), secret)
	if err != nil {
		return fmt.Errorf("forktide: worker %d failed to listen on control socket: %w", id, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	metrics := NewMetrics()
	pool := connpool.New(cfg.Server.MaxConnections)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go sweepLoop(sweepCtx, pool)

	var wg sync.WaitGroup
	defer wg.Wait()

	logger.InfoContext(ctx, "worker listening for control connections")

	// The master's own readiness probe (in WorkerProcess.Start) connects
	// and immediately disconnects before the real, persistent control
	// connection is dialed; looping on Accept here absorbs that probe
	// naturally instead of needing to special-case it.
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("forktide: worker %d failed to accept control connection: %w", id, err)
		}

		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}

		serveControlConnection(ctx, id, unixConn, pool, cfg, logger, metrics, handler, &wg)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// controlChannel serializes writes of framed IPC messages back to the
// master over the single persistent control connection, which is also
// being read from concurrently by the receive loop below.
type controlChannel struct {
	mu     sync.Mutex
	framer *framing.Framer
}

func newControlChannel(conn net.Conn) *controlChannel {
	return &controlChannel{framer: framing.NewFramer(conn)}
}

func (c *controlChannel) notifyConnectionClosed(workerID int, connID string) {
	payload := protocol.ConnectionClosedPayload{WorkerID: workerID, ConnectionID: connID}
	msg, err := protocol.NewMessage(protocol.MessageTypeConnectionClosed, payload, nowSeconds())
	if err != nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.framer.WriteMessage(data)
}

// serveControlConnection receives handed-off descriptors from one control
// connection until it errors (EOF on a probe connection, or the real
// connection closing at shutdown), dispatching each to its own serving
// goroutine tracked by wg.
func serveControlConnection(ctx context.Context, id int, conn *net.UnixConn, pool *connpool.Pool, cfg *Config, logger *Logger, metrics *Metrics, handler Handler, wg *sync.WaitGroup) {
	defer conn.Close()
	control := newControlChannel(conn)

	for {
		fd, meta, err := descriptor.Receive(conn)
		if err != nil {
			return
		}

		file := os.NewFile(uintptr(fd), meta.ConnectionID)
		clientConn, convErr := net.FileConn(file)
		file.Close()
		if convErr != nil {
			logger.ErrorContext(ctx, "failed to wrap handed-off descriptor", "error", convErr)
			continue
		}

		metrics.ConnectionsAccepted.Add(1)
		wg.Add(1)
		go func(connID string, c net.Conn) {
			defer wg.Done()
			ServeHandoffConnection(ctx, connID, c, pool, cfg, logger, metrics, handler, func() {
				control.notifyConnectionClosed(id, connID)
			})
		}(meta.ConnectionID, clientConn)
	}
}

func sweepLoop(ctx context.Context, pool *connpool.Pool) {
	ticker := time.NewTicker(connSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.Sweep(time.Now(), func(c *connpool.Connection) {
				c.Conn.Close()
			})
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
