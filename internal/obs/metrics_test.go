package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/mysteries":                      "/v1/mysteries",
		"/v1/mysteries/joyful-nativity":      "/v1/mysteries/:id",
		"/v1/groups/01HX/rotations":          "/v1/groups/:id/rotations",
		"/v1/groups/01HX/other":              "/v1/groups/01HX/other",
		"/v1/memberships/01HX/confirm":       "/v1/memberships/:id/confirm",
		"/v1/memberships/01HX/history?x=1":   "/v1/memberships/:id/history",
		"/v1/memberships/01HX/mystery":       "/v1/memberships/:id/mystery",
		"/v1/memberships/01HX/unknown":       "/v1/memberships/01HX/unknown",
		"/v1/rotations":                      "/v1/rotations",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	handler := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/rotations", "202"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/rotations", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/rotations", "202"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestObserveAssignment(t *testing.T) {
	before := testutil.ToFloat64(rotationAssignments.WithLabelValues("failure"))
	ObserveAssignment(false)
	if got := testutil.ToFloat64(rotationAssignments.WithLabelValues("failure")); got-before != 1 {
		t.Fatalf("failure counter delta = %v", got-before)
	}
}

func TestSetLoggerRestore(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := SetLogger(zap.New(core))
	Logger().Info("hello")
	restore()
	Logger().Info("not captured")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 captured entry, got %d", logs.Len())
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger("debug"); err != nil {
		t.Fatalf("debug level: %v", err)
	}
}

func TestInitBuildInfo(t *testing.T) {
	info := InitBuildInfo("1.2.3", "abc123")
	if info.Version != "1.2.3" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Fatalf("unexpected build info: %+v", info)
	}
	if got := testutil.ToFloat64(buildInfoGauge.WithLabelValues("1.2.3", "abc123", info.GoVersion)); got != 1 {
		t.Fatalf("build info gauge = %v", got)
	}
}
