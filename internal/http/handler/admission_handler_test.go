package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sandeepkv93/execgate/internal/security"
	"github.com/sandeepkv93/execgate/internal/service"
)

type fakeAdmission struct {
	vet     service.AdmissionResult
	consume service.AdmissionResult
	seen    []service.AdmissionRequest
}

func (f *fakeAdmission) Vet(_ context.Context, req service.AdmissionRequest) service.AdmissionResult {
	f.seen = append(f.seen, req)
	return f.vet
}

func (f *fakeAdmission) Consume(_ context.Context, req service.AdmissionRequest) service.AdmissionResult {
	f.seen = append(f.seen, req)
	return f.consume
}

func testClaims() *security.SessionClaims {
	return &security.SessionClaims{
		UserID:    "42",
		SessionID: "sid-1",
		Issuer:    "studio.code.org",
		Raw:       map[string]any{"sid": "sid-1", "uid": "42", "iss": "studio.code.org"},
	}
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestAdmissionHandlerVetAllow(t *testing.T) {
	fake := &fakeAdmission{vet: service.AdmissionResult{
		Policy:  service.AllowPolicy("arn:route", testClaims(), nil),
		Outcome: "allow",
	}}
	h := NewAdmissionHandler(fake)

	req := httptest.NewRequest(http.MethodGet, "/authorize/http?Authorization=tok&routeArn=arn:route", nil)
	req.Header.Set("Origin", "https://studio.code.org")
	rr := httptest.NewRecorder()
	h.Vet(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get(outcomeHeader) != "allow" {
		t.Fatalf("expected outcome header, got %q", rr.Header().Get(outcomeHeader))
	}
	if len(fake.seen) != 1 {
		t.Fatalf("expected one vet call, got %d", len(fake.seen))
	}
	got := fake.seen[0]
	if got.Token != "tok" || got.Origin != "https://studio.code.org" || got.Resource != "arn:route" {
		t.Fatalf("unexpected admission request %+v", got)
	}

	env := decodeEnvelope(t, rr)
	data, _ := env["data"].(map[string]any)
	if data["principalId"] != "studio.code.org/42" {
		t.Fatalf("expected policy principal in data, got %+v", data)
	}
}

func TestAdmissionHandlerConsumeDeny(t *testing.T) {
	fake := &fakeAdmission{consume: service.AdmissionResult{
		Policy:  service.DenyPolicy("/authorize/connect"),
		Outcome: "deny",
		Reason:  service.ReasonUsed,
	}}
	h := NewAdmissionHandler(fake)

	req := httptest.NewRequest(http.MethodGet, "/authorize/connect", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr := httptest.NewRecorder()
	h.Consume(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if fake.seen[0].Token != "tok" || fake.seen[0].Resource != "/authorize/connect" {
		t.Fatalf("expected bearer token and path resource, got %+v", fake.seen[0])
	}
	env := decodeEnvelope(t, rr)
	errObj, _ := env["error"].(map[string]any)
	details, _ := errObj["details"].(map[string]any)
	if errObj["code"] != "ACCESS_DENIED" || details["reason"] != service.ReasonUsed {
		t.Fatalf("unexpected error envelope %+v", errObj)
	}
}

func TestAdmissionHandlerThrottledIsInBand(t *testing.T) {
	fake := &fakeAdmission{vet: service.AdmissionResult{
		Policy: service.AllowPolicy("arn:route", testClaims(), map[string]any{
			service.ContextAuthorizationError:     "USER_OVER_HOURLY_LIMIT",
			service.ContextAuthorizationErrorCode: 429,
		}),
		Outcome: "throttled",
		Reason:  "USER_OVER_HOURLY_LIMIT",
	}}
	h := NewAdmissionHandler(fake)

	req := httptest.NewRequest(http.MethodGet, "/authorize/http?Authorization=tok&methodArn=arn:method", nil)
	rr := httptest.NewRecorder()
	h.Vet(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("throttled sessions are admitted with an in-band error, got %d", rr.Code)
	}
	if fake.seen[0].Resource != "arn:method" {
		t.Fatalf("expected methodArn resource, got %q", fake.seen[0].Resource)
	}
	env := decodeEnvelope(t, rr)
	data, _ := env["data"].(map[string]any)
	ctx, _ := data["context"].(map[string]any)
	if ctx[service.ContextAuthorizationError] != "USER_OVER_HOURLY_LIMIT" {
		t.Fatalf("expected in-band error in policy context, got %+v", ctx)
	}
}
