package forktide

import "context"

// Server is a thin façade wiring a Config, a Logger, and an application
// Handler together around a Master. It is a convenience for embedders
// that don't need direct access to the master's lifecycle controls;
// anything it doesn't expose is reachable via NewMaster directly.
type Server struct {
	cfg     *Config
	logger  *Logger
	handler Handler
	master  *Master
}

// NewServer constructs a Server. handler is invoked for every fully
// parsed request in the single-process degrade path; forked workers
// receive their own handler by re-execing this binary's "worker"
// subcommand, which must be wired to call RunWorker with the same
// handler for descriptor-passing mode to dispatch into application code.
func NewServer(cfg *Config, handler Handler) (*Server, error) {
	logger := NewLogger(cfg.Logging)
	master, err := NewMaster(cfg, logger)
	if err != nil {
		return nil, err
	}
	master.SetHandler(handler)
	return &Server{cfg: cfg, logger: logger, handler: handler, master: master}, nil
}

// Start forks the worker pool (or starts the degrade-mode loop) and
// begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	return s.master.Start(ctx)
}

// Shutdown stops accepting connections and waits for in-flight work and
// every worker to exit. ctx is passed through but not consulted, so its
// expiry does not cut the wait short.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.master.Shutdown(ctx)
}

// Metrics returns the server's live metrics tracker.
func (s *Server) Metrics() *Metrics {
	return s.master.Metrics()
}
