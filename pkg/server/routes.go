package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ropes/kazoeru/pkg/counter"
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.index).Methods(http.MethodGet)
	r.HandleFunc("/hello", s.hello).Methods(http.MethodGet)
	r.HandleFunc("/echo", s.echo).Methods(http.MethodPost)
	r.HandleFunc("/hey", text("Hey there!")).Methods(http.MethodGet)

	app := r.PathPrefix("/app").Subrouter()
	app.HandleFunc("/index.html", text("Hello world!")).Methods(http.MethodGet)

	r.HandleFunc("/app2", text("app2")).Methods(http.MethodGet)
	r.HandleFunc("/app2", methodNotAllowed).Methods(http.MethodHead)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/test", text("test")).Methods(http.MethodGet)
	api.HandleFunc("/test", methodNotAllowed).Methods(http.MethodHead)

	foo := r.Host(s.cfg.VHost).PathPrefix("/foo").Subrouter()
	foo.HandleFunc("/", text("Hello world!")).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// index reports the request number. The response body and the gauge are
// produced while the counter is held so neither can go backwards.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	var body string
	render := func(n int64) {
		body = fmt.Sprintf("Request number: %d", n)
		s.metrics.requestNumber.Set(float64(n))
	}

	_, err := s.counter.Tally(render)
	if errors.Is(err, counter.ErrPoisonedState) && s.cfg.PoisonPolicy == PoisonReset {
		s.logger.WithFields(log.Fields{"err": err, "request_id": RequestID(r.Context())}).
			Warn("clearing poisoned request counter")
		s.counter.ClearPoison()
		_, err = s.counter.Tally(render)
	}
	if err != nil {
		s.logger.WithFields(log.Fields{"err": err, "request_id": RequestID(r.Context())}).
			Error("request counter unavailable")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeText(w, body)
}

func (s *Server) hello(w http.ResponseWriter, r *http.Request) {
	writeText(w, fmt.Sprintf("Hello %s!", s.cfg.AppName))
}

func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.WithFields(log.Fields{"err": err, "request_id": RequestID(r.Context())}).Debug("reading echo body")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func text(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, body)
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}
