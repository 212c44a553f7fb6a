package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/models"
	"github.com/achavala/pairhedge/internal/reconcile"
)

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	mem := ledger.NewMemoryLedger()
	recon := reconcile.NewEngine(config.ReconciliationConfig{PnLTolerance: 0.01},
		time.Second, mem, broker.NewPaperBroker(), alert.NewBus(), logger)
	return NewServer(config.OpsConfig{Enabled: true, Port: 0, AuthToken: token}, recon, mem, logger)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReconcileEndpointRunsAudit(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report models.ReconciliationReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.Clean() {
		t.Errorf("empty ledger and broker should reconcile clean: %+v", report.Mismatches)
	}
}

func TestReportEndpointBeforeAnyRun(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reconcile/report", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before first run", rec.Code)
	}
}

func TestReportEndpointAfterRun(t *testing.T) {
	s := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}

	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reconcile/report", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d after a run", rec.Code)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statistics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats ledger.Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalPackages != 0 {
		t.Errorf("empty ledger statistics = %+v", stats)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	s := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz with auth enabled = %d, want 200", rec.Code)
	}
}

func TestGracefulShutdown(t *testing.T) {
	s := newTestServer(t, "")
	s.http.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
