// Package server is a small HTTP host that runs the metric probe around an
// application mux and serves the probe's admin endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/appmetric/internal/config"
	"github.com/wudi/appmetric/internal/logging"
	"github.com/wudi/appmetric/internal/middleware"
	"github.com/wudi/appmetric/probe"
)

// maxSleep bounds /sleep so a request cannot hold a connection open forever.
const maxSleep = time.Minute

// Server owns the application and admin listeners and the probe.
type Server struct {
	config      *config.Config
	configPath  string
	probe       *probe.Probe
	appServer   *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	startTime   time.Time
}

// New installs the probe and prepares both servers. configPath is used for
// reloads and may be empty.
func New(cfg *config.Config, configPath string, opts ...probe.Option) (*Server, error) {
	p, err := probe.Install(cfg.Metric, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     cfg,
		configPath: configPath,
		probe:      p,
		startTime:  time.Now(),
	}

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		p.Middleware(),
	)
	s.appServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      chain.Then(s.appHandler()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.AdminAddress != "" {
		s.adminServer = &http.Server{
			Addr:         cfg.Server.AdminAddress,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Probe returns the installed probe.
func (s *Server) Probe() *probe.Probe {
	return s.probe
}

func (s *Server) appHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/sleep", s.handleSleep)
	mux.HandleFunc("/panic", s.handlePanic)
	return mux
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.probe.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s\n", s.probe.Identity().Name)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
	if err != nil || ms < 0 {
		http.Error(w, "ms must be a non-negative integer", http.StatusBadRequest)
		return
	}
	d := min(time.Duration(ms)*time.Millisecond, maxSleep)

	select {
	case <-time.After(d):
		fmt.Fprintf(w, "slept %s\n", d)
	case <-r.Context().Done():
	}
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	panic("requested panic")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":%q}`, time.Since(s.startTime).Round(time.Second).String())
}

// Start binds both listeners and serves in the background. Bind errors are
// returned immediately.
func (s *Server) Start() error {
	appLn, err := net.Listen("tcp", s.appServer.Addr)
	if err != nil {
		return fmt.Errorf("app listener: %w", err)
	}
	go s.serve("app", s.appServer, appLn)

	if s.adminServer != nil {
		adminLn, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			appLn.Close()
			return fmt.Errorf("admin listener: %w", err)
		}
		go s.serve("admin", s.adminServer, adminLn)
	}

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath)
		if err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		} else {
			w.OnChange(s.applyConfig)
			if err := w.Start(); err != nil {
				logging.Warn("config watcher disabled", zap.Error(err))
				w.Stop()
			} else {
				s.watcher = w
			}
		}
	}

	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	logging.Info("Starting server", zap.String("server", name), zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("Server error", zap.String("server", name), zap.Error(err))
	}
}

// Run starts the servers and blocks until SIGINT or SIGTERM.
// SIGHUP triggers a config reload.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		s.probe.Shutdown(context.Background())
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		if sig == syscall.SIGHUP {
			if err := s.ReloadConfig(); err != nil {
				logging.Error("Config reload failed", zap.Error(err))
			}
			continue
		}
		logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
		return s.Shutdown(s.config.Server.ShutdownTimeout)
	}

	return nil
}

// ReloadConfig reads the config file and applies what can change at runtime.
func (s *Server) ReloadConfig() error {
	if s.configPath == "" {
		return errors.New("no config path configured")
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return err
	}
	s.applyConfig(cfg)
	return nil
}

func (s *Server) applyConfig(cfg *config.Config) {
	if err := s.probe.Reload(cfg.Metric); err != nil {
		logging.Error("Metric reload failed", zap.Error(err))
		return
	}
	if cfg.Logging.Level != s.config.Logging.Level {
		logging.Warn("logging level change requires a restart", zap.String("level", cfg.Logging.Level))
	}
	logging.Info("Config reloaded")
}

// Shutdown stops the listeners first so in-flight requests are still
// counted, then flushes the probe.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var g errgroup.Group
	g.Go(func() error { return s.appServer.Shutdown(ctx) })
	if s.adminServer != nil {
		g.Go(func() error { return s.adminServer.Shutdown(ctx) })
	}
	httpErr := g.Wait()
	if httpErr != nil {
		logging.Error("HTTP server shutdown error", zap.Error(httpErr))
	}

	probeErr := s.probe.Shutdown(ctx)
	if probeErr != nil {
		logging.Error("Metric probe shutdown error", zap.Error(probeErr))
	}

	logging.Info("Server shutdown complete")
	return errors.Join(httpErr, probeErr)
}
