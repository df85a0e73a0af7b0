package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/crawl/status/{task_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/crawl", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before202 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "202"))
	before418 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "418"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/crawl/status/abc", nil),
		httptest.NewRequest(http.MethodPost, "/api/crawl", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "202")); val != before202+1 {
		t.Errorf("expected GET 202 counter to increase by 1, got %f", val-before202)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "418")); val != before418+1 {
		t.Errorf("expected POST 418 counter to increase by 1, got %f", val-before418)
	}
	if count := testutil.CollectAndCount(httpRequestDurationSeconds); count == 0 {
		t.Error("expected duration histogram to have series")
	}
}
