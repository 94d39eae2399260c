package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSessionTokenMissingReturnsUnauthorized(t *testing.T) {
	h := SessionToken(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/authorize/http", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"UNAUTHORIZED"`) {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}
}

func TestSessionTokenSources(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query param", target: "/authorize/http?Authorization=abc.def.ghi", want: "abc.def.ghi"},
		{name: "bearer header", target: "/authorize/http", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase bearer", target: "/authorize/http", header: "bearer  tok ", want: "tok"},
		{name: "query wins over header", target: "/authorize/http?Authorization=from-query", header: "Bearer from-header", want: "from-query"},
		{name: "non bearer header ignored", target: "/authorize/http", header: "Basic dXNlcg==", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := ExtractSessionToken(req); got != tc.want {
				t.Fatalf("ExtractSessionToken()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestSessionTokenStoresTokenInContext(t *testing.T) {
	var seen string
	h := SessionToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionTokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/authorize/connect?Authorization=tok-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || seen != "tok-1" {
		t.Fatalf("expected token in context, status=%d seen=%q", rr.Code, seen)
	}
}

func TestRequestIDEchoedOnResponse(t *testing.T) {
	h := RequestID(StructuredRequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestClientIPKey(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:1234":    "10.0.0.1",
		"[2001:db8::1]:80": "2001:db8::1",
		"10.0.0.2":         "10.0.0.2",
		"not-an-ip":        "not-an-ip",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := clientIPKey(req); got != want {
			t.Fatalf("clientIPKey(%q)=%q want %q", remote, got, want)
		}
	}
}
