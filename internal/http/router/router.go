package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/execgate/internal/health"
	"github.com/sandeepkv93/execgate/internal/http/handler"
	"github.com/sandeepkv93/execgate/internal/http/middleware"
	"github.com/sandeepkv93/execgate/internal/http/response"
)

type Dependencies struct {
	AdmissionHandler     *handler.AdmissionHandler
	IngressRateLimitRPM  int
	IngressRateLimiter   IngressRateLimiterFunc
	Readiness            *health.ProbeRunner
	EnablePrometheusHTTP bool
	EnableOTelHTTP       bool
	// Logger receives request and ingress logs; nil means slog.Default.
	Logger *slog.Logger
}

type IngressRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger(dep.Logger))

	ingressLimiter := dep.IngressRateLimiter
	if ingressLimiter == nil {
		ingressLimiter = middleware.NewLocalIngressGuard(dep.IngressRateLimitRPM, dep.Logger).Middleware()
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})
	if dep.EnablePrometheusHTTP {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	if dep.AdmissionHandler != nil {
		r.Route("/authorize", func(r chi.Router) {
			r.Use(ingressLimiter)
			r.Use(middleware.SessionToken)
			r.Get("/http", dep.AdmissionHandler.Vet)
			r.Get("/connect", dep.AdmissionHandler.Consume)
		})
	}

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
