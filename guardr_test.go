package guardr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestSupervisorFacadeRunStop(t *testing.T) {
	requireUnix(t)
	e := NewEnv()
	e.Set("GREETING", "hi")
	sup := New(Options{
		Spec:     Spec{Name: "facade", Interpreter: "/bin/sh", InterpreterArgs: []string{"-c"}, Script: "sleep 30"},
		Policy:   DefaultPolicy(),
		Launcher: &Launcher{Env: e},
	})
	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for sup.Status().State != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("not running: %+v", sup.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := sup.Status(); st.State != StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}
}

func TestHTTPHandlerFacade(t *testing.T) {
	sup := New(Options{Spec: Spec{Name: "idle", Script: "unused"}})
	h := NewHTTPHandler(sup, "/guardr")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/guardr/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"name":"idle"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLoadConfigFacade(t *testing.T) {
	p := filepath.Join(t.TempDir(), "guardr.yaml")
	if err := os.WriteFile(p, []byte("apps:\n  - name: web\n    script: server.js\n    interpreter: node\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Apps) != 1 || c.Apps[0].Interpreter != "node" {
		t.Fatalf("unexpected apps: %+v", c.Apps)
	}
}

func TestHistoryRecorderFacade(t *testing.T) {
	rec, err := NewHistoryRecorder("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	rec.Record(HistoryEvent{Type: "start", App: "x", OccurredAt: time.Now()})
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := NewHistoryRecorder("bogus://x"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestRegisterMetricsFacade(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
}
