package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	rtsup "housekeeper/internal/runtime/supervisor"
	logx "housekeeper/pkg/logx"
)

func TestExporterRecordsLifecycle(t *testing.T) {
	t.Parallel()
	reg := prom.NewRegistry()
	e, err := NewExporter(reg)
	if err != nil {
		t.Fatalf("NewExporter error: %v", err)
	}
	e.WorkerSpawned("audit_trim")
	e.WorkerSpawned("audit_trim")
	e.WorkerExited("audit_trim", nil)
	e.WorkerExited("audit_trim", errors.New("exit status 2"))
	e.ShutdownPhase("stop")
	e.QueueChanged(3, 2)
	e.SetProcessing(true)

	if v := testutil.ToFloat64(e.spawns.WithLabelValues("audit_trim")); v != 2 {
		t.Fatalf("spawns = %v, want 2", v)
	}
	if v := testutil.ToFloat64(e.exits.WithLabelValues("audit_trim", "error")); v != 1 {
		t.Fatalf("error exits = %v, want 1", v)
	}
	if v := testutil.ToFloat64(e.pending); v != 3 {
		t.Fatalf("pending = %v, want 3", v)
	}
	if v := testutil.ToFloat64(e.live); v != 2 {
		t.Fatalf("live = %v, want 2", v)
	}
	if v := testutil.ToFloat64(e.processing); v != 1 {
		t.Fatalf("processing = %v, want 1", v)
	}

	// A second exporter on the same registry reuses the collectors.
	again, err := NewExporter(reg)
	if err != nil {
		t.Fatalf("second NewExporter error: %v", err)
	}
	again.WorkerSpawned("audit_trim")
	if v := testutil.ToFloat64(e.spawns.WithLabelValues("audit_trim")); v != 3 {
		t.Fatalf("shared spawns = %v, want 3", v)
	}
}

func TestRouterAuthAndHealth(t *testing.T) {
	t.Parallel()
	reg := prom.NewRegistry()
	e, _ := NewExporter(reg)
	e.QueueChanged(1, 4)
	status := func() Status {
		return Status{Processing: true, Pending: []string{"a"}, Running: map[string]int{"b": 77}, Goroutines: &rtsup.Counters{Active: 3, Started: 5}}
	}
	s := New(Config{}, reg, status, logx.Nop())
	h := s.Router(Config{Token: "secret"})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "no token", path: "/healthz", want: http.StatusUnauthorized},
		{name: "wrong query token", path: "/healthz?token=nope", want: http.StatusUnauthorized},
		{name: "query token", path: "/healthz?token=secret", want: http.StatusOK},
		{name: "same length query token", path: "/healthz?token=secreT", want: http.StatusUnauthorized},
		{name: "bearer", path: "/metrics", header: "Bearer secret", want: http.StatusOK},
		{name: "wrong bearer", path: "/metrics", header: "Bearer secreT", want: http.StatusUnauthorized},
		{name: "bearer prefix only", path: "/metrics", header: "Bearer secre", want: http.StatusUnauthorized},
		{name: "pprof off", path: "/debug/pprof/", header: "Bearer secret", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("%s: code = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?token=secret", nil))
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !got.Processing || got.Running["b"] != 77 || got.Goroutines == nil || got.Goroutines.Active != 3 {
		t.Fatalf("health = %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?token=secret", nil))
	if !strings.Contains(rec.Body.String(), "housekeeper_live_workers 4") {
		t.Fatalf("metrics output missing live workers:\n%s", rec.Body.String())
	}
}

func TestRouterPprof(t *testing.T) {
	t.Parallel()
	s := New(Config{}, prom.NewRegistry(), nil, logx.Nop())
	rec := httptest.NewRecorder()
	s.Router(Config{Pprof: true}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof index code = %d", rec.Code)
	}
}

func TestHealthReportsStopping(t *testing.T) {
	t.Parallel()
	s := New(Config{}, prom.NewRegistry(), func() Status { return Status{Stopping: true} }, logx.Nop())
	rec := httptest.NewRecorder()
	s.Router(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503 while stopping", rec.Code)
	}
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{}, prom.NewRegistry(), nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { s.Stop(context.Background()) })

	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("address still set after disable")
	}
}

func TestLoopbackDetection(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9187": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9187":          false,
		"0.0.0.0:9187":   false,
		"10.0.0.1:9187":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
