// Package status serves the forwarder's state, configuration, metrics
// and recent transitions over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"sshfwd/config"
	"sshfwd/internal/controller"
	"sshfwd/internal/metrics"
	"sshfwd/util"
)

const shutdownTimeout = 5 * time.Second

// Source is what the server reports on.  [controller.Controller]
// implements it.
type Source interface {
	Status() controller.Status
	History() []controller.Transition
}

// Server is the status HTTP server.
type Server struct {
	cfg     *config.Config
	src     Source
	metrics *metrics.Collector
	logger  *util.Logger
	router  chi.Router
}

// New builds the router.  The metrics collector is optional.
func New(cfg *config.Config, src Source, m *metrics.Collector, logger *util.Logger) *Server {
	s := &Server{cfg: cfg, src: src, metrics: m, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleIndex)
	r.Get("/status", s.handleStatus)
	r.Get("/config", s.handleConfig)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/history", s.handleHistory)

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe binds web_interface:web_port and serves until ctx is
// cancelled.  A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WebAddr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down
// gracefully.  It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status: listening on http://%s", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Debug("status: server stopped")
	return nil
}

// ── handlers ─────────────────────────────────────────────────────────

type statusResponse struct {
	Status         string    `json:"status"`
	State          string    `json:"state"`
	SSHHost        string    `json:"ssh_host"`
	SSHEndpoint    string    `json:"ssh_endpoint"`
	LocalBind      string    `json:"local_bind"`
	RemoteBind     string    `json:"remote_bind"`
	Tunnel         string    `json:"tunnel,omitempty"`
	HealthFailures int       `json:"health_failures"`
	LastError      string    `json:"last_error,omitempty"`
	LocalBreaker   string    `json:"local_breaker,omitempty"`
	Since          time.Time `json:"since"`
}

type configResponse struct {
	SSHHost             string `json:"ssh_host"`
	SSHPort             int    `json:"ssh_port"`
	SSHUsername         string `json:"ssh_username"`
	LocalHost           string `json:"local_host"`
	LocalPort           int    `json:"local_port"`
	RemoteHost          string `json:"remote_host"`
	RemotePort          int    `json:"remote_port"`
	HealthCheckInterval int    `json:"health_check_interval"`
	HealthCheckTimeout  int    `json:"health_check_timeout"`
	MaxHealthFailures   int    `json:"max_health_failures"`
	ReconnectDelay      int    `json:"reconnect_delay"`
	MaxConnections      int    `json:"max_connections"`
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("SSH Forwarder is running")) //nolint:errcheck
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.src.Status()
	resp := statusResponse{
		Status:         "disconnected",
		State:          st.Phase.String(),
		SSHHost:        st.SSHHost,
		SSHEndpoint:    st.SSHEndpoint,
		LocalBind:      st.LocalBind,
		RemoteBind:     st.RemoteBind,
		Tunnel:         st.Tunnel,
		HealthFailures: st.HealthFailures,
		LastError:      st.LastError,
		LocalBreaker:   st.LocalBreaker,
		Since:          st.Since,
	}
	if st.Connected {
		resp.Status = "connected"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	c := s.cfg
	writeJSON(w, http.StatusOK, configResponse{
		SSHHost:             c.SSHHost,
		SSHPort:             c.SSHPort,
		SSHUsername:         c.SSHUsername,
		LocalHost:           c.LocalHost,
		LocalPort:           c.LocalPort,
		RemoteHost:          c.RemoteHost,
		RemotePort:          c.RemotePort,
		HealthCheckInterval: c.HealthCheckInterval,
		HealthCheckTimeout:  c.HealthCheckTimeout,
		MaxHealthFailures:   c.MaxHealthFailures,
		ReconnectDelay:      c.ReconnectDelay,
		MaxConnections:      c.MaxConnections,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.History())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// logRequests logs each request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("status: %s %s %d (%v)", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Truncate(time.Microsecond))
	})
}
