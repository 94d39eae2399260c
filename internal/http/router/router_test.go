package router

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/health"
	"github.com/sandeepkv93/execgate/internal/http/handler"
	"github.com/sandeepkv93/execgate/internal/observability"
	"github.com/sandeepkv93/execgate/internal/repository"
	"github.com/sandeepkv93/execgate/internal/security"
	"github.com/sandeepkv93/execgate/internal/service"
)

var routerEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type unhealthyChecker struct{}

func (unhealthyChecker) Check(ctx context.Context) health.CheckResult {
	return health.CheckResult{Name: "redis", Healthy: false, Error: "redis down"}
}

type gateFixture struct {
	deps Dependencies
	priv *rsa.PrivateKey
}

func newGateFixture(t *testing.T, limits service.QuotaLimiterConfig) gateFixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	fake := clock.NewFake(routerEpoch)
	verifier, err := security.NewSessionTokenVerifier(map[string]string{"production": pub}, fake)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	limiter := service.NewQuotaLimiter(
		repository.NewRedisBlockRegistry(client, "test", fake),
		repository.NewRedisUsageLog(client, "test", "user_requests", limits.UserRequestRecordTTL, 1000, fake),
		repository.NewRedisUsageLog(client, "test", "teacher_associated_requests", limits.TeacherRequestRecordTTL, 1000, fake),
		nil, limits, fake, nil,
	)
	admission := service.NewAdmissionService(
		verifier,
		repository.NewRedisTokenLedger(client, "test", fake),
		limiter,
		nil,
		service.AdmissionConfig{TokenRecordTTL: 120 * time.Second},
		nil,
	)
	return gateFixture{
		deps: Dependencies{
			AdmissionHandler:    handler.NewAdmissionHandler(admission),
			IngressRateLimitRPM: 1000,
		},
		priv: priv,
	}
}

func unlimited() service.QuotaLimiterConfig {
	return service.QuotaLimiterConfig{
		LimitPerHour:            config.NoLimit,
		LimitPerDay:             config.NoLimit,
		TeacherLimitPerHour:     config.NoLimit,
		NearLimitBuffer:         10,
		Enforce:                 true,
		FailureMode:             config.FailOpen,
		UserRequestRecordTTL:    25 * time.Hour,
		TeacherRequestRecordTTL: 25 * time.Hour,
	}
}

func (f gateFixture) sign(t *testing.T, sid, uid string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": routerEpoch.Add(-time.Minute).Unix(),
		"exp": routerEpoch.Add(time.Minute).Unix(),
		"sid": sid,
		"uid": uid,
		"iss": "studio.code.org",
	}).SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func perform(r http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "10.10.10.10:1234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func policyContext(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, _ := env["data"].(map[string]any)
	ctx, _ := data["context"].(map[string]any)
	return ctx
}

func TestRouterHealthReadyNilAndUnreadyBranches(t *testing.T) {
	t.Run("nil readiness returns ready", func(t *testing.T) {
		r := NewRouter(Dependencies{IngressRateLimitRPM: 1000})

		rr := perform(r, http.MethodGet, "/health/ready", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"status":"ready"`) {
			t.Fatalf("expected ready status payload, got %s", rr.Body.String())
		}
	})

	t.Run("unready dependency returns 503", func(t *testing.T) {
		r := NewRouter(Dependencies{
			IngressRateLimitRPM: 1000,
			Readiness:           health.NewProbeRunner(time.Second, 0, unhealthyChecker{}),
		})

		rr := perform(r, http.MethodGet, "/health/ready", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"code":"DEPENDENCY_UNREADY"`) {
			t.Fatalf("expected DEPENDENCY_UNREADY error envelope, got %s", rr.Body.String())
		}
	})
}

func TestRouterHealthLiveIsNotThrottled(t *testing.T) {
	r := NewRouter(Dependencies{IngressRateLimitRPM: 1})
	for i := 0; i < 3; i++ {
		if rr := perform(r, http.MethodGet, "/health/live", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i, rr.Code)
		}
	}
}

func TestRouterMetricsOnlyWhenEnabled(t *testing.T) {
	if rr := perform(NewRouter(Dependencies{}), http.MethodGet, "/metrics", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without prometheus, got %d", rr.Code)
	}
	if rr := perform(NewRouter(Dependencies{EnablePrometheusHTTP: true}), http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with prometheus, got %d", rr.Code)
	}
}

func TestRouterVetThenConsumeOnce(t *testing.T) {
	f := newGateFixture(t, unlimited())
	r := NewRouter(f.deps)
	token := f.sign(t, "sid-router", "42")
	origin := map[string]string{"Origin": "https://studio.code.org"}

	vet := perform(r, http.MethodGet, "/authorize/http?Authorization="+token, origin)
	if vet.Code != http.StatusOK {
		t.Fatalf("vet expected 200, got %d body=%s", vet.Code, vet.Body.String())
	}
	if ctx := policyContext(t, vet); ctx["sid"] != "sid-router" {
		t.Fatalf("expected claims forwarded in context, got %+v", ctx)
	}

	consume := perform(r, http.MethodGet, "/authorize/connect?Authorization="+token, origin)
	if consume.Code != http.StatusOK {
		t.Fatalf("consume expected 200, got %d body=%s", consume.Code, consume.Body.String())
	}

	replay := perform(r, http.MethodGet, "/authorize/connect?Authorization="+token, origin)
	if replay.Code != http.StatusForbidden {
		t.Fatalf("second consume expected 403, got %d", replay.Code)
	}
	revet := perform(r, http.MethodGet, "/authorize/http?Authorization="+token, origin)
	if revet.Code != http.StatusForbidden {
		t.Fatalf("second vet expected 403, got %d", revet.Code)
	}
}

func TestRouterRejectsMissingTokenAndUnknownOrigin(t *testing.T) {
	f := newGateFixture(t, unlimited())
	r := NewRouter(f.deps)

	if rr := perform(r, http.MethodGet, "/authorize/http", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	token := f.sign(t, "sid-origin", "42")
	rr := perform(r, http.MethodGet, "/authorize/http?Authorization="+token, map[string]string{"Origin": "https://evil.example"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rr.Code)
	}
}

func TestRouterThrottledSessionCarriesInBandError(t *testing.T) {
	limits := unlimited()
	limits.LimitPerHour = 1
	f := newGateFixture(t, limits)
	r := NewRouter(f.deps)
	origin := map[string]string{"Origin": "https://studio.code.org"}

	for _, sid := range []string{"sid-1", "sid-2"} {
		rr := perform(r, http.MethodGet, "/authorize/http?Authorization="+f.sign(t, sid, "42"), origin)
		if ctx := policyContext(t, rr); ctx[service.ContextAuthorizationError] != nil {
			t.Fatalf("%s should pass quotas, got %+v", sid, ctx)
		}
	}
	second := perform(r, http.MethodGet, "/authorize/http?Authorization="+f.sign(t, "sid-3", "42"), origin)
	if second.Code != http.StatusOK {
		t.Fatalf("throttled vet still returns an allow policy, got %d", second.Code)
	}
	if got := second.Header().Get("X-Execgate-Outcome"); got != "throttled" {
		t.Fatalf("expected throttled outcome, got %q", got)
	}
	ctx := policyContext(t, second)
	if ctx[service.ContextAuthorizationError] != "USER_OVER_HOURLY_LIMIT" {
		t.Fatalf("expected hourly limit error in context, got %+v", ctx)
	}
	if code, _ := ctx[service.ContextAuthorizationErrorCode].(float64); code != 429 {
		t.Fatalf("expected 429 error code, got %v", ctx[service.ContextAuthorizationErrorCode])
	}
}

func TestRouterIngressLimiterGuardsAuthorize(t *testing.T) {
	f := newGateFixture(t, unlimited())
	f.deps.IngressRateLimitRPM = 1
	r := NewRouter(f.deps)

	first := perform(r, http.MethodGet, "/authorize/connect?Authorization="+service.ConnectivityTestToken, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("connectivity test expected 200, got %d body=%s", first.Code, first.Body.String())
	}
	second := perform(r, http.MethodGet, "/authorize/connect?Authorization="+service.ConnectivityTestToken, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429 from ingress limiter, got %d", second.Code)
	}
}

// captureDefaultLogger swaps the slog default for the test so stray records
// that bypass the injected logger are visible.
func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRouterLogsThroughConfiguredLogger(t *testing.T) {
	stray := captureDefaultLogger(t)

	t.Run("request logs use the configured handler", func(t *testing.T) {
		var out bytes.Buffer
		logger, _, err := observability.NewLogger(context.Background(), &config.Config{LogLevel: "info"}, &out)
		if err != nil {
			t.Fatalf("new logger: %v", err)
		}
		r := NewRouter(Dependencies{IngressRateLimitRPM: 1000, Logger: logger})
		if rr := perform(r, http.MethodGet, "/health/live?Authorization=secret", nil); rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var rec map[string]any
		if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
			t.Fatalf("expected one JSON record, got %q: %v", out.String(), err)
		}
		if rec["msg"] != "http request" || rec["path"] != "/health/live" || rec["level"] != "INFO" {
			t.Fatalf("unexpected request record %+v", rec)
		}
		if strings.Contains(out.String(), "secret") {
			t.Fatalf("query string leaked into request log: %s", out.String())
		}
	})

	t.Run("configured level is honoured", func(t *testing.T) {
		var out bytes.Buffer
		logger, _, err := observability.NewLogger(context.Background(), &config.Config{LogLevel: "error"}, &out)
		if err != nil {
			t.Fatalf("new logger: %v", err)
		}
		r := NewRouter(Dependencies{IngressRateLimitRPM: 1000, Logger: logger})
		perform(r, http.MethodGet, "/health/live", nil)
		if out.Len() != 0 {
			t.Fatalf("expected info request log to be filtered at error level, got %s", out.String())
		}
	})

	t.Run("ingress throttling logs use the configured handler", func(t *testing.T) {
		var out bytes.Buffer
		f := newGateFixture(t, unlimited())
		f.deps.IngressRateLimitRPM = 1
		f.deps.Logger = slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
		r := NewRouter(f.deps)

		perform(r, http.MethodGet, "/authorize/http", nil)
		if rr := perform(r, http.MethodGet, "/authorize/http", nil); rr.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rr.Code)
		}
		if !strings.Contains(out.String(), `"msg":"ingress request throttled"`) {
			t.Fatalf("expected throttle record in configured log, got %s", out.String())
		}
	})

	if stray.Len() != 0 {
		t.Fatalf("expected nothing on the default logger, got %s", stray.String())
	}
}
