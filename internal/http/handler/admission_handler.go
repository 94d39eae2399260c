package handler

import (
	"net/http"

	"github.com/sandeepkv93/execgate/internal/http/middleware"
	"github.com/sandeepkv93/execgate/internal/http/response"
	"github.com/sandeepkv93/execgate/internal/service"
)

const outcomeHeader = "X-Execgate-Outcome"

type AdmissionHandler struct {
	admission service.AdmissionServiceInterface
}

func NewAdmissionHandler(admission service.AdmissionServiceInterface) *AdmissionHandler {
	return &AdmissionHandler{admission: admission}
}

// Vet handles the first contact of a session (HTTP upgrade request).
func (h *AdmissionHandler) Vet(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.admission.Vet(r.Context(), admissionRequest(r)))
}

// Consume handles the second contact (socket connect) and spends the token.
func (h *AdmissionHandler) Consume(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.admission.Consume(r.Context(), admissionRequest(r)))
}

// Throttled results still carry an Allow policy; the quota error rides in
// the policy context and the transport relays it in-band.
func (h *AdmissionHandler) write(w http.ResponseWriter, r *http.Request, res service.AdmissionResult) {
	w.Header().Set(outcomeHeader, res.Outcome)
	if !res.Policy.Allowed() {
		response.Error(w, r, http.StatusForbidden, "ACCESS_DENIED", "session token rejected",
			map[string]any{"reason": res.Reason, "policy": res.Policy})
		return
	}
	response.JSON(w, r, http.StatusOK, res.Policy)
}

func admissionRequest(r *http.Request) service.AdmissionRequest {
	token, ok := middleware.SessionTokenFromContext(r.Context())
	if !ok {
		token = middleware.ExtractSessionToken(r)
	}
	return service.AdmissionRequest{
		Token:    token,
		Origin:   r.Header.Get("Origin"),
		Resource: resourceFor(r),
	}
}

func resourceFor(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"routeArn", "methodArn"} {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return r.URL.Path
}
