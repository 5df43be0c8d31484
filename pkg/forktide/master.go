package forktide

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forktide/forktide/internal/balancer"
	"github.com/forktide/forktide/internal/descriptor"
	"github.com/forktide/forktide/internal/framing"
	"github.com/forktide/forktide/internal/httpmsg"
	"github.com/forktide/forktide/internal/httpwrite"
	"github.com/forktide/forktide/internal/protocol"
)

// Master owns the public listening socket and dispatches each accepted
// connection to one of a pool of forked worker processes by handing off
// its file descriptor over a Unix domain control channel.
type Master struct {
	cfg    *Config
	logger *Logger

	listener net.Listener
	secret   []byte

	mu          sync.RWMutex
	workers     map[int]*WorkerProcess
	controlConn map[int]*net.UnixConn
	healthy     map[int]bool

	lb      balancer.Balancer
	metrics *Metrics

	shutdown     atomic.Bool
	acceptWG     sync.WaitGroup
	healthCancel context.CancelFunc
	connIDSeq    atomic.Uint64

	degradeMode bool
	localQueue  *descriptor.LocalQueue

	handler Handler
}

// SetHandler wires the application request handler used by the
// single-process degrade path; descriptor-passing workers get their
// handler from the "worker" subcommand's own wiring instead, since they
// run in a separate re-exec'd process. Call before Start.
func (m *Master) SetHandler(h Handler) {
	m.handler = h
}

// NewMaster constructs a Master from cfg; it does not start listening or
// fork workers until Start is called.
func NewMaster(cfg *Config, logger *Logger) (*Master, error) {
	cfg.Pool.Workers = ResolveWorkerCount(cfg.Pool)
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	secret, err := descriptor.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("forktide: failed to generate control-channel secret: %w", err)
	}

	m := &Master{
		cfg:         cfg,
		logger:      logger,
		secret:      secret,
		workers:     make(map[int]*WorkerProcess),
		controlConn: make(map[int]*net.UnixConn),
		healthy:     make(map[int]bool),
		lb:          balancer.New(cfg.Pool.BalancerPolicy),
		metrics:     NewMetrics(),
		degradeMode: !descriptor.SCMRightsSupported(),
	}
	return m, nil
}

// Start opens the public listener, forks the configured worker pool (or
// starts the in-process degrade queue, on platforms without SCM_RIGHTS),
// and begins accepting connections.
func (m *Master) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Server.Host, m.cfg.Server.Port)
	ln, err := listenTCPWithBacklog(m.cfg.Server.Host, m.cfg.Server.Port, m.cfg.Pool.Backlog)
	if err != nil {
		return fmt.Errorf("forktide: failed to listen on %s: %w", addr, err)
	}
	m.listener = ln

	if m.degradeMode {
		m.logger.WarnContext(ctx, "descriptor passing unsupported on this platform; degrading to single-process mode")
		m.localQueue = descriptor.NewLocalQueue(m.cfg.Pool.MaxQueueSize)
		for i := 0; i < m.cfg.Pool.Workers; i++ {
			go m.degradeWorkerLoop(ctx, i)
		}
	} else {
		if err := m.startWorkers(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	go m.healthMonitor(healthCtx)

	m.acceptWG.Add(1)
	go m.acceptLoop(ctx)

	m.logger.InfoContext(ctx, "master started", "addr", addr, "workers", m.cfg.Pool.Workers, "degrade_mode", m.degradeMode)
	return nil
}

func (m *Master) startWorkers(ctx context.Context) error {
	socketDir := m.cfg.Socket.Dir
	if socketDir == "" {
		socketDir = filepath.Join(os.TempDir(), "forktide")
	}

	for i := 0; i < m.cfg.Pool.Workers; i++ {
		socketPath := filepath.Join(socketDir, fmt.Sprintf("%s-%d.sock", m.cfg.Socket.Prefix, i))
		wp := NewWorkerProcess(WorkerConfig{
			ID:                i,
			ControlSocketPath: socketPath,
			Secret:            m.secret,
			StartTimeout:      30 * time.Second,
		}, m.logger)

		if err := wp.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = m.workers[j].Stop()
			}
			return fmt.Errorf("forktide: failed to start worker %d: %w", i, err)
		}

		conn, err := descriptor.Dial(socketPath, m.secret)
		if err != nil {
			_ = wp.Stop()
			return fmt.Errorf("forktide: failed to open control channel to worker %d: %w", i, err)
		}

		unixConn := conn.(*net.UnixConn)
		m.mu.Lock()
		m.workers[i] = wp
		m.controlConn[i] = unixConn
		m.healthy[i] = true
		m.mu.Unlock()

		go m.controlReadLoop(ctx, i, unixConn)
	}

	return nil
}

// controlReadLoop drains framed IPC messages a worker sends back on its
// control connection (ConnectionClosed, WorkerMetrics) until the
// connection errors, which happens when the worker exits or the master
// closes it during shutdown/restart.
func (m *Master) controlReadLoop(ctx context.Context, workerID int, conn *net.UnixConn) {
	framer := framing.NewFramer(conn)
	for {
		data, err := framer.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.UnmarshalMessage(data)
		if err != nil {
			m.logger.WarnContext(ctx, "malformed control message", "worker_id", workerID, "error", err)
			continue
		}

		switch msg.Type {
		case protocol.MessageTypeConnectionClosed:
			var payload protocol.ConnectionClosedPayload
			if err := msg.DecodePayload(&payload); err == nil {
				m.lb.OnConnectionClosed(workerID)
			}
		case protocol.MessageTypeWorkerMetrics:
			// Exported per-worker stats are polled through the admin
			// surface rather than merged into the master's own Metrics;
			// nothing to update here yet.
		}
	}
}

func (m *Master) acceptLoop(ctx context.Context) {
	defer m.acceptWG.Done()

	maxPerCycle := m.cfg.Server.MaxAcceptsPerCycle
	accepted := 0

	for {
		if m.shutdown.Load() {
			return
		}

		conn, err := m.listener.Accept()
		if err != nil {
			if m.shutdown.Load() {
				return
			}
			m.logger.ErrorContext(ctx, "accept failed", "error", err)
			continue
		}

		m.dispatch(ctx, conn)

		// Bound how many connections this goroutine admits back-to-back
		// before yielding, so a sustained burst of accepts can't starve
		// the health monitor and shutdown checks above.
		accepted++
		if maxPerCycle > 0 && accepted >= maxPerCycle {
			accepted = 0
			runtime.Gosched()
		}
	}
}

// maxHandoffAttempts bounds how many distinct workers a single
// connection's hand-off is retried against before giving up and
// responding 503, per the dispatch retry policy.
const maxHandoffAttempts = 3

func (m *Master) dispatch(ctx context.Context, conn net.Conn) {
	if m.degradeMode {
		if err := m.localQueue.Submit(ctx, conn); err != nil {
			conn.Close()
		}
		return
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}
	file, err := tcpConn.File()
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to extract descriptor", "error", err)
		conn.Close()
		return
	}
	defer file.Close()

	remoteAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	var remoteIP string
	var remotePort int
	if remoteAddr != nil {
		remoteIP = remoteAddr.IP.String()
		remotePort = remoteAddr.Port
	}
	// tcpConn.File() duplicates the descriptor, and the duplicate stays
	// open independently of the original net.Conn, so our Conn is closed
	// here, before the duplicate is handed off (or written to directly).
	conn.Close()

	tried := make(map[int]bool, maxHandoffAttempts)
	for attempt := 1; attempt <= maxHandoffAttempts; attempt++ {
		workerID, ok := m.selectHealthyWorker(tried)
		if !ok {
			break
		}
		tried[workerID] = true

		meta := protocol.HandoffMetadata{
			WorkerID:     workerID,
			ConnectionID: m.nextConnectionID(),
			RemoteIP:     remoteIP,
			RemotePort:   remotePort,
			AcceptedAt:   float64(time.Now().UnixNano()) / 1e9,
		}

		m.mu.RLock()
		controlConn := m.controlConn[workerID]
		m.mu.RUnlock()

		if controlConn == nil {
			continue
		}

		if err := descriptor.Send(controlConn, int(file.Fd()), meta); err != nil {
			m.logger.WarnContext(ctx, "failed to hand off connection, retrying against another worker", "worker_id", workerID, "attempt", attempt, "error", err)
			continue
		}

		m.lb.OnConnectionEstablished(workerID)
		m.metrics.ConnectionsAccepted.Add(1)
		return
	}

	m.logger.ErrorContext(ctx, "no worker accepted hand-off after retries, responding 503")
	m.metrics.ConnectionsRejected.Add(1)
	writeServiceUnavailable(file)
}

func (m *Master) nextConnectionID() string {
	return fmt.Sprintf("c%d", m.connIDSeq.Add(1))
}

// selectHealthyWorker picks a healthy worker id not already present in
// exclude, so a caller can retry a failed hand-off against a different
// worker without looping back onto the one that just failed.
func (m *Master) selectHealthyWorker(exclude map[int]bool) (int, bool) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		if m.healthy[id] && !exclude[id] {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	return m.lb.SelectWorker(ids)
}

// writeServiceUnavailable writes a best-effort 503 response directly to
// the duplicated client descriptor before the caller closes it, used
// when no worker accepted the connection hand-off.
func writeServiceUnavailable(file *os.File) {
	resp := httpmsg.NewResponse(503, []byte(httpmsg.ReasonPhrase(503, "")))
	resp.Headers.Set("Connection", "close")
	_ = file.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = httpwrite.Write(file, "1.1", resp)
}

// degradeWorkerLoop is the single-process fallback: a fixed pool of
// goroutines drain the local queue and serve HTTP directly in-process
// instead of handing descriptors to a forked worker.
func (m *Master) degradeWorkerLoop(ctx context.Context, workerID int) {
	for {
		conn, ok := m.localQueue.Next(ctx)
		if !ok {
			return
		}
		m.metrics.ConnectionsAccepted.Add(1)
		ServeConnection(ctx, conn, m.cfg, m.logger.WithWorker(workerID), m.metrics, m.handler)
	}
}

func (m *Master) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Pool.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkWorkerHealth(ctx)
		}
	}
}

func (m *Master) checkWorkerHealth(ctx context.Context) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.RLock()
		wp := m.workers[id]
		m.mu.RUnlock()

		healthy := wp.IsRunning()
		m.mu.Lock()
		wasHealthy := m.healthy[id]
		m.healthy[id] = healthy
		m.mu.Unlock()

		if wasHealthy && !healthy {
			if !m.cfg.Pool.AutoRestart {
				m.logger.WarnContext(ctx, "worker unhealthy, auto-restart disabled", "worker_id", id)
				continue
			}
			m.logger.WarnContext(ctx, "worker unhealthy, attempting restart", "worker_id", id)
			go m.restartWorker(ctx, id)
		}
	}
}

func (m *Master) restartWorker(ctx context.Context, id int) {
	backoff := m.cfg.Pool.Restart
	delay := backoff.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; attempt <= backoff.MaxAttempts || backoff.MaxAttempts <= 0; attempt++ {
		m.mu.RLock()
		wp := m.workers[id]
		m.mu.RUnlock()

		if err := wp.Restart(ctx); err != nil {
			m.logger.ErrorContext(ctx, "worker restart failed", "worker_id", id, "attempt", attempt, "error", err)

			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			time.Sleep(delay + jitter)

			delay = time.Duration(float64(delay) * backoff.Multiplier)
			if backoff.MaxBackoff > 0 && delay > backoff.MaxBackoff {
				delay = backoff.MaxBackoff
			}
			continue
		}

		conn, err := descriptor.Dial(wp.cfg.ControlSocketPath, m.secret)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to reopen control channel after restart", "worker_id", id, "error", err)
			continue
		}

		unixConn := conn.(*net.UnixConn)
		m.mu.Lock()
		m.controlConn[id] = unixConn
		m.healthy[id] = true
		m.mu.Unlock()

		go m.controlReadLoop(ctx, id, unixConn)

		m.metrics.WorkerRestarts.Add(1)
		m.lb.Reset()
		return
	}

	m.logger.ErrorContext(ctx, "worker exhausted restart attempts", "worker_id", id)
	m.metrics.WorkerCrashes.Add(1)
}

// Shutdown stops accepting new connections, signals every worker to
// stop, and waits for the accept loop to exit.
func (m *Master) Shutdown(ctx context.Context) error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if m.healthCancel != nil {
		m.healthCancel()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.acceptWG.Wait()

	if m.degradeMode {
		m.localQueue.Close()
		return nil
	}

	m.mu.RLock()
	workers := make([]*WorkerProcess, 0, len(m.workers))
	for _, wp := range m.workers {
		workers = append(workers, wp)
	}
	conns := make([]*net.UnixConn, 0, len(m.controlConn))
	for _, c := range m.controlConn {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}

	var firstErr error
	for _, wp := range workers {
		if err := wp.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Metrics returns the master's live metrics tracker.
func (m *Master) Metrics() *Metrics { return m.metrics }

// Reload performs a rolling restart of every worker process: each
// worker is stopped and a freshly-started replacement takes its place
// at the same control socket before the next worker is touched, so
// total worker capacity never drops by more than one at a time. It
// picks up a new worker binary or config without a full service
// interruption, and is the handler for a graceful-reload signal.
func (m *Master) Reload(ctx context.Context) error {
	if m.degradeMode {
		return fmt.Errorf("forktide: reload is not supported in single-process degrade mode")
	}

	m.mu.RLock()
	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Ints(ids)

	m.logger.InfoContext(ctx, "reload starting", "workers", len(ids))

	for _, id := range ids {
		m.mu.RLock()
		wp := m.workers[id]
		oldConn := m.controlConn[id]
		m.mu.RUnlock()

		m.logger.InfoContext(ctx, "reloading worker", "worker_id", id)

		if err := wp.Restart(ctx); err != nil {
			m.logger.ErrorContext(ctx, "reload failed, leaving previous worker process in place", "worker_id", id, "error", err)
			continue
		}
		if oldConn != nil {
			_ = oldConn.Close()
		}

		conn, err := descriptor.Dial(wp.cfg.ControlSocketPath, m.secret)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to reopen control channel after reload", "worker_id", id, "error", err)
			m.mu.Lock()
			m.healthy[id] = false
			m.mu.Unlock()
			continue
		}

		unixConn := conn.(*net.UnixConn)
		m.mu.Lock()
		m.controlConn[id] = unixConn
		m.healthy[id] = true
		m.mu.Unlock()

		go m.controlReadLoop(ctx, id, unixConn)
		m.lb.Reset()
	}

	m.logger.InfoContext(ctx, "reload complete")
	return nil
}
