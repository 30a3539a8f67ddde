// Package server serves kazoeru's routes.
//
// The only route touching shared state is the index, which reports the
// process-wide SharedCounter. Every other route is a fixed reply or echoes
// the request body. Each served request is published as a Hit for the
// traffic tracker to consume.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/ropes/kazoeru/pkg/counter"
)

// PoisonPolicy selects how the index route reacts to a poisoned counter.
type PoisonPolicy string

const (
	// PoisonFail answers 500 and leaves the counter poisoned.
	PoisonFail PoisonPolicy = "fail"
	// PoisonReset clears the poison flag and retries the increment once.
	PoisonReset PoisonPolicy = "reset"
)

// ParsePoisonPolicy validates a policy name.
func ParsePoisonPolicy(s string) (PoisonPolicy, error) {
	switch p := PoisonPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PoisonFail, PoisonReset:
		return p, nil
	default:
		return "", fmt.Errorf("unknown poison policy %q (want %q or %q)", s, PoisonFail, PoisonReset)
	}
}

// Config holds the HTTP facing settings.
type Config struct {
	Addr         string
	AppName      string
	VHost        string
	PoisonPolicy PoisonPolicy
	MaxBodyBytes int64
	CORSOrigins  []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		AppName:         "kazoeru",
		VHost:           "users.kazoeru.local",
		PoisonPolicy:    PoisonFail,
		MaxBodyBytes:    1 << 20,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Hit describes one served request.
type Hit struct {
	TS       time.Time
	Host     string
	Path     string
	Method   string
	Status   int
	Duration time.Duration
}

// Server owns the route table and its collaborators.
type Server struct {
	cfg     Config
	logger  *log.Logger
	counter *counter.SharedCounter
	hits    chan<- Hit

	router   *mux.Router
	registry *prometheus.Registry
	metrics  *metrics
	handler  http.Handler
}

// New builds a Server reporting c on the index route. Served requests are
// published on hits when it is non-nil; publication never blocks.
func New(cfg Config, c *counter.SharedCounter, hits chan<- Hit, logger *log.Logger) *Server {
	if cfg.PoisonPolicy == "" {
		cfg.PoisonPolicy = PoisonFail
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		counter:  c,
		hits:     hits,
		registry: prometheus.NewRegistry(),
	}
	s.metrics = newMetrics(s.registry)
	s.router = s.routes()

	var h http.Handler = s.router
	h = s.recovery(h)
	h = s.observe(h)
	h = requestID(h)
	if len(cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{requestIDHeader},
		}).Handler(h)
	}
	s.handler = h
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.logger.WithFields(log.Fields{"addr": ln.Addr().String()}).Info("serving http")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutCtx, can := context.WithTimeout(context.Background(), timeout)
	defer can()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
