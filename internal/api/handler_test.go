package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duckmesh/askmesh/internal/auth"
	"github.com/duckmesh/askmesh/internal/config"
)

func TestHealthEndpoint(t *testing.T) {
	cfg := loadConfig(t, nil)

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := loadConfig(t, nil)

	h := NewHandler(cfg, Dependencies{
		Readiness: func(rctx context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestMetricsEndpointExposesPipelineMetrics(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "askmesh_http_requests_total") {
		t.Fatalf("metrics body missing http counters")
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ASKMESH_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:t1:asker")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Catalog:        newInMemoryTableCatalog(),
	})

	unauthResp := httptest.NewRecorder()
	h.ServeHTTP(unauthResp, httptest.NewRequest(http.MethodGet, "/v1/tables", nil))
	if unauthResp.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauthResp.Code)
	}

	authReq := httptest.NewRequest(http.MethodGet, "/v1/tables", nil)
	authReq.Header.Set("X-API-Key", "k1")
	authResp := httptest.NewRecorder()
	h.ServeHTTP(authResp, authReq)
	if authResp.Code != http.StatusOK {
		t.Fatalf("auth status = %d", authResp.Code)
	}
	if body := decodeBody(t, authResp); body["tenant_id"] != "t1" {
		t.Fatalf("tenant_id = %v", body["tenant_id"])
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ASKMESH_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Pipeline: &fakePipeline{}})

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"question":"how many orders"}`))
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckObjectStoreConfigRequiresBucket(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ASKMESH_OBJECTSTORE_BUCKET": ""})
	if err := CheckObjectStoreConfig(cfg)(context.Background()); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func loadConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	if values == nil {
		values = map[string]string{}
	}
	cfg, err := config.Load("askmesh-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}
