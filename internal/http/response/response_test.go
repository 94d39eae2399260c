package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSONEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/authorize/http", nil)
	req.Header.Set("X-Request-Id", "req-1")
	rr := httptest.NewRecorder()
	JSON(rr, req, http.StatusOK, map[string]string{"principalId": "p"})

	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", rr.Header().Get("Cache-Control"))
	}
	var env struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
		Meta    meta              `json:"meta"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Success || env.Data["principalId"] != "p" || env.Meta.RequestID != "req-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestErrorEnvelopeDefaultsRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/authorize/connect", nil)
	rr := httptest.NewRecorder()
	Error(rr, req, http.StatusForbidden, "ACCESS_DENIED", "denied", nil)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var env envelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || env.Error == nil || env.Error.Code != "ACCESS_DENIED" || env.Meta.RequestID != "req-unknown" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
