// Package adminhttp serves Prometheus metrics and the current discovery and
// connection status.
package adminhttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 10 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

var errNoStatus = errors.New("status not available")

// StatusSource is satisfied by *status.Latest.
type StatusSource interface {
	Snapshot() status.Update
}

type Server struct {
	addr   string
	router chi.Router
	status StatusSource
	start  time.Time
}

func NewServer(addr string, src StatusSource) *Server {
	s := &Server{
		addr:   addr,
		router: chi.NewRouter(),
		status: src,
		start:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// Handler returns the router wrapped with request logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	h := http.Handler(s.router)
	h = hlog.AccessHandler(func(r *http.Request, code, size int, d time.Duration) {
		logger.Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", code).
			Int("size", size).
			Dur("duration", d).
			Msg("http")
	})(h)
	return hlog.NewHandler(logger)(h)
}

// Start listens in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	logger := zerolog.Ctx(ctx)

	srv := &http.Server{
		Handler:           s.Handler(*logger),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		WriteTimeout:      defaultWriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("admin http listen")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin http stopped")
		}
	}()
	return nil
}

type statusResponse struct {
	status.Update
	Error string `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"error": errNoStatus.Error()})
		return
	}
	u := s.status.Snapshot()
	resp := statusResponse{Update: u}
	if u.Err != nil {
		resp.Error = u.Err.Error()
	}
	render.JSON(w, r, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"version": bridgediscovery.Version})
}
