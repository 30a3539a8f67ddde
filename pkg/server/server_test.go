package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ropes/kazoeru/pkg/counter"
)

func testLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(cfg Config, hits chan<- Hit) (*Server, *counter.SharedCounter) {
	c := counter.New()
	return New(cfg, c, hits, testLogger()), c
}

func do(h http.Handler, method, host, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if host != "" {
		req.Host = host
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppName = "Go web"
	s, _ := newTestServer(cfg, nil)

	tests := []struct {
		name   string
		method string
		host   string
		path   string
		body   string
		code   int
		exp    string
	}{
		{name: "hello", method: http.MethodGet, path: "/hello", code: 200, exp: "Hello Go web!"},
		{name: "echo", method: http.MethodPost, path: "/echo", body: "番犬 says hi", code: 200, exp: "番犬 says hi"},
		{name: "echo-empty", method: http.MethodPost, path: "/echo", code: 200, exp: ""},
		{name: "echo-get", method: http.MethodGet, path: "/echo", code: 405},
		{name: "hey", method: http.MethodGet, path: "/hey", code: 200, exp: "Hey there!"},
		{name: "app-index", method: http.MethodGet, path: "/app/index.html", code: 200, exp: "Hello world!"},
		{name: "app2", method: http.MethodGet, path: "/app2", code: 200, exp: "app2"},
		{name: "app2-head", method: http.MethodHead, path: "/app2", code: 405},
		{name: "api-test", method: http.MethodGet, path: "/api/test", code: 200, exp: "test"},
		{name: "api-test-head", method: http.MethodHead, path: "/api/test", code: 405},
		{name: "vhost", method: http.MethodGet, host: "users.kazoeru.local", path: "/foo/", code: 200, exp: "Hello world!"},
		{name: "vhost-with-port", method: http.MethodGet, host: "users.kazoeru.local:8080", path: "/foo/", code: 200, exp: "Hello world!"},
		{name: "vhost-wrong-host", method: http.MethodGet, host: "localhost:8080", path: "/foo/", code: 404},
		{name: "unknown", method: http.MethodGet, path: "/nope", code: 404},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := do(s.Handler(), test.method, test.host, test.path, test.body)
			if rec.Code != test.code {
				t.Fatalf("status %d, exp %d", rec.Code, test.code)
			}
			if test.code == 200 && rec.Body.String() != test.exp {
				t.Errorf("body %q, exp %q", rec.Body.String(), test.exp)
			}
		})
	}
}

func TestIndexCounts(t *testing.T) {
	s, _ := newTestServer(DefaultConfig(), nil)
	for i := 1; i <= 3; i++ {
		rec := do(s.Handler(), http.MethodGet, "", "/", "")
		exp := fmt.Sprintf("Request number: %d", i)
		if rec.Code != 200 || rec.Body.String() != exp {
			t.Errorf("request %d: %d %q", i, rec.Code, rec.Body.String())
		}
	}

	// Other routes never touch the counter.
	do(s.Handler(), http.MethodGet, "", "/hello", "")
	rec := do(s.Handler(), http.MethodGet, "", "/", "")
	if rec.Body.String() != "Request number: 4" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestIndexConcurrent(t *testing.T) {
	s, _ := newTestServer(DefaultConfig(), nil)
	const workers = 100
	seen := make(map[string]bool)
	var mux sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(s.Handler(), http.MethodGet, "", "/", "")
			mux.Lock()
			seen[rec.Body.String()] = true
			mux.Unlock()
		}()
	}
	wg.Wait()

	for i := 1; i <= workers; i++ {
		if !seen[fmt.Sprintf("Request number: %d", i)] {
			t.Errorf("request number %d never served", i)
		}
	}
}

func poison(c *counter.SharedCounter) {
	defer func() { _ = recover() }()
	c.Tally(func(int64) { panic("boom") })
}

func TestIndexPoisonPolicies(t *testing.T) {
	tests := []struct {
		policy PoisonPolicy
		codes  []int
		bodies []string
	}{
		{
			policy: PoisonFail,
			codes:  []int{500, 500},
		},
		{
			policy: PoisonReset,
			codes:  []int{200, 200},
			bodies: []string{"Request number: 2", "Request number: 3"},
		},
	}

	for _, test := range tests {
		t.Run(string(test.policy), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PoisonPolicy = test.policy
			s, c := newTestServer(cfg, nil)
			poison(c)

			for i, code := range test.codes {
				rec := do(s.Handler(), http.MethodGet, "", "/", "")
				if rec.Code != code {
					t.Fatalf("request %d: status %d, exp %d", i, rec.Code, code)
				}
				if test.bodies != nil && rec.Body.String() != test.bodies[i] {
					t.Errorf("request %d: body %q, exp %q", i, rec.Body.String(), test.bodies[i])
				}
			}
			if test.policy == PoisonFail && !c.Poisoned() {
				t.Error("fail policy must leave the counter poisoned")
			}
		})
	}
}

func TestEchoBodyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 8
	s, _ := newTestServer(cfg, nil)

	rec := do(s.Handler(), http.MethodPost, "", "/echo", "12345678")
	if rec.Code != 200 || rec.Body.String() != "12345678" {
		t.Errorf("body at limit: %d %q", rec.Code, rec.Body.String())
	}
	rec = do(s.Handler(), http.MethodPost, "", "/echo", "123456789")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(DefaultConfig(), nil)

	rec := do(s.Handler(), http.MethodGet, "", "/hey", "")
	if id := rec.Header().Get(requestIDHeader); len(id) != 36 {
		t.Errorf("generated request id %q is not a uuid", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/hey", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if id := rec.Header().Get(requestIDHeader); id != "abc-123" {
		t.Errorf("client request id not kept: %q", id)
	}
}

func TestRecovery(t *testing.T) {
	s, _ := newTestServer(DefaultConfig(), nil)
	s.router.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	})

	rec := do(s.Handler(), http.MethodGet, "", "/panic", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status %d, exp 500", rec.Code)
	}
}

func TestHitsPublished(t *testing.T) {
	hits := make(chan Hit, 2)
	s, _ := newTestServer(DefaultConfig(), hits)

	do(s.Handler(), http.MethodGet, "localhost:8080", "/api/test", "")
	do(s.Handler(), http.MethodGet, "localhost:8080", "/nope", "")
	// Queue is full; this one is dropped rather than blocking.
	do(s.Handler(), http.MethodGet, "localhost:8080", "/hey", "")

	h := <-hits
	if h.Path != "/api/test" || h.Host != "localhost:8080" || h.Status != 200 || h.Method != http.MethodGet {
		t.Errorf("unexpected hit: %+v", h)
	}
	h = <-hits
	if h.Path != "/nope" || h.Status != 404 {
		t.Errorf("unexpected hit: %+v", h)
	}
	select {
	case h := <-hits:
		t.Errorf("hit should have been dropped: %+v", h)
	default:
	}

	rec := do(s.Handler(), http.MethodGet, "", "/metrics", "")
	if !strings.Contains(rec.Body.String(), "kazoeru_hits_dropped_total 1") {
		t.Errorf("dropped hit not counted:\n%s", rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(DefaultConfig(), nil)
	do(s.Handler(), http.MethodGet, "", "/", "")
	do(s.Handler(), http.MethodGet, "", "/", "")
	do(s.Handler(), http.MethodGet, "", "/api/test", "")

	rec := do(s.Handler(), http.MethodGet, "", "/metrics", "")
	if rec.Code != 200 {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, exp := range []string{
		"kazoeru_request_number 2",
		`kazoeru_http_requests_total{code="200",method="GET",route="/"} 2`,
		`kazoeru_http_requests_total{code="200",method="GET",route="/api/test"} 1`,
	} {
		if !strings.Contains(body, exp) {
			t.Errorf("metrics missing %q", exp)
		}
	}
}

func TestCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigins = []string{"http://localhost:5173"}
	s, _ := newTestServer(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/hey", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allowed origin header %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/hey", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestParsePoisonPolicy(t *testing.T) {
	tests := []struct {
		in  string
		exp PoisonPolicy
		err bool
	}{
		{in: "fail", exp: PoisonFail},
		{in: " Reset ", exp: PoisonReset},
		{in: "crash", err: true},
		{in: "", err: true},
	}
	for _, test := range tests {
		p, err := ParsePoisonPolicy(test.in)
		if (err != nil) != test.err || p != test.exp {
			t.Errorf("ParsePoisonPolicy(%q) = (%q, %v)", test.in, p, err)
		}
	}
}

func TestServeShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(DefaultConfig(), nil)
	ctx, can := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "Request number: 1" {
		t.Errorf("unexpected body %q", b)
	}

	can()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
