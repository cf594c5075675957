package adminapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-alljoyn/ajrouter/internal/adminapi"
	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/nametable"
	"github.com/go-alljoyn/ajrouter/internal/router"
	"github.com/go-alljoyn/ajrouter/internal/session"
	"github.com/go-alljoyn/ajrouter/internal/transport"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

type nullLookup struct{}

func (nullLookup) Get(ajtypes.EndpointID) (router.EndpointHandle, bool) { return nil, false }

func newTestServer(t *testing.T) (*adminapi.Server, http.Handler) {
	t.Helper()
	names := nametable.New()
	core := router.New(nullLookup{}, 1, nil)
	sessions := session.New(core, nullLookup{}, nil)
	t.Cleanup(sessions.Close)

	tm := transport.NewManager(transport.Config{}, nil, wire.GUID("test-guid"), nil, nil, nil)

	srv, handler := adminapi.New(wire.GUID("test-guid"), names, sessions, tm, nil, nil)
	return srv, handler
}

func TestHandleStatusReturnsGUIDAndCounts(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["guid"] != "test-guid" {
		t.Errorf("guid = %v, want test-guid", body["guid"])
	}
}

func TestHandleNamesReturnsEmptyListInitially(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/names", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestHandleAdvertiseAcceptsValidRequest(t *testing.T) {
	_, handler := newTestServer(t)

	body := strings.NewReader(`{"name":"org.acme.Svc","transports":1,"quiet":false}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/advertise", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestHandleAdvertiseRejectsMissingName(t *testing.T) {
	_, handler := newTestServer(t)

	body := strings.NewReader(`{"transports":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/advertise", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFindAcceptsValidRequest(t *testing.T) {
	_, handler := newTestServer(t)

	body := strings.NewReader(`{"prefix":"org.acme"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/find", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestHandleEndpointsReturnsEmptyListInitially(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/endpoints", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}
