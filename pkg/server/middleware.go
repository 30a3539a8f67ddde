package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-Id"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id attached to ctx by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID keeps a client supplied X-Request-Id or mints one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// recovery turns a panicking handler into a 500.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			s.logger.WithFields(log.Fields{
				"panic":      err,
				"path":       r.URL.Path,
				"request_id": RequestID(r.Context()),
			}).Errorf("handler panicked\n%s", debug.Stack())
			if sr, ok := w.(*statusRecorder); !ok || !sr.wroteHeader {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// observe logs, measures and publishes every request. It sits outside
// recovery so a panicking handler is observed with the 500 recovery wrote.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		route := s.routeLabel(r)

		next.ServeHTTP(sr, r)
		s.record(r, route, sr.status, start, time.Since(start))
	})
}

func (s *Server) routeLabel(r *http.Request) string {
	var match mux.RouteMatch
	if !s.router.Match(r, &match) || match.Route == nil {
		return "unmatched"
	}
	tpl, err := match.Route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tpl
}

func (s *Server) record(r *http.Request, route string, status int, start time.Time, elapsed time.Duration) {
	s.metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	s.metrics.duration.WithLabelValues(route).Observe(elapsed.Seconds())

	s.logger.WithFields(log.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"host":       r.Host,
		"status":     status,
		"duration":   elapsed,
		"request_id": RequestID(r.Context()),
	}).Info("request served")

	if s.hits == nil {
		return
	}
	hit := Hit{
		TS:       start,
		Host:     r.Host,
		Path:     r.URL.Path,
		Method:   r.Method,
		Status:   status,
		Duration: elapsed,
	}
	select {
	case s.hits <- hit:
	default:
		s.metrics.hitsDropped.Inc()
		s.logger.WithFields(log.Fields{"path": r.URL.Path}).Trace("hit queue full, dropping")
	}
}
