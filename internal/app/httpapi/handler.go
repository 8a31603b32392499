// Package httpapi exposes the credit ledger over REST.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/pickwise/credit_layer/internal/app"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
	"github.com/pickwise/credit_layer/internal/app/metrics"
	"github.com/pickwise/credit_layer/internal/app/services/dailyclaim"
	"github.com/pickwise/credit_layer/internal/app/services/redemption"
	"github.com/pickwise/credit_layer/internal/app/services/spend"
	"github.com/pickwise/credit_layer/internal/middleware"
)

// handler bundles the HTTP endpoints for the ledger services.
type handler struct {
	app     *app.Application
	cookies cookieCodec
}

// NewHandler returns a router exposing the ledger REST API. The reward
// endpoints are cookie-bound rather than bearer-authenticated, so the
// auth middleware must skip them (see cmd/server).
func NewHandler(application *app.Application, cookieSecret []byte) http.Handler {
	h := &handler{
		app:     application,
		cookies: cookieCodec{secret: cookieSecret},
	}

	r := mux.NewRouter()
	r.HandleFunc("/credits/claim", h.claim).Methods(http.MethodPost)
	r.HandleFunc("/credits/spend", h.spend).Methods(http.MethodPost)
	r.HandleFunc("/credits", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/reward/start", h.rewardStart).Methods(http.MethodPost)
	r.HandleFunc("/reward/complete", h.rewardComplete).Methods(http.MethodPost)
	r.HandleFunc("/audit", h.audit).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	return r
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	identity := middleware.Identity(r.Context())
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	device := h.deviceIdentity(w, r)
	if device.Fresh {
		h.app.Log.WithField("device", device.ID).Debug("minted device identity")
	}
	ip := middleware.ClientIP(r)

	res, err := h.app.Claims.Claim(r.Context(), identity, device.ID, ip)
	if err != nil {
		h.internal(w, r, err)
		metrics.RecordClaim("error")
		return
	}
	metrics.RecordClaim(claimResult(res))
	writeJSON(w, http.StatusOK, res)
}

func claimResult(res dailyclaim.Result) string {
	switch {
	case res.OK && res.Already:
		return "already"
	case res.OK:
		return "ok"
	default:
		return res.Code
	}
}

func (h *handler) spend(w http.ResponseWriter, r *http.Request) {
	identity := middleware.Identity(r.Context())
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload struct {
		Amount int `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		metrics.RecordSpend(spend.CodeBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "code": spend.CodeBadRequest})
		return
	}

	res, err := h.app.Spend.TrySpend(r.Context(), identity, payload.Amount)
	if err != nil {
		h.internal(w, r, err)
		metrics.RecordSpend("error")
		return
	}
	metrics.RecordSpend(spendResult(res))

	switch res.Code {
	case spend.CodeBadRequest:
		writeJSON(w, http.StatusBadRequest, res)
	case spend.CodeInsufficient:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func spendResult(res spend.Result) string {
	if res.OK {
		return "ok"
	}
	return res.Code
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	identity := middleware.Identity(r.Context())
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	res, err := h.app.Spend.Get(r.Context(), identity)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) rewardStart(w http.ResponseWriter, r *http.Request) {
	aid := h.anonID(w, r, true)

	begun, err := h.app.Rewards.Begin(r.Context(), aid, bindingFromRequest(r))
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     begun.Token,
		"expiresAt": begun.ExpiresAt,
	})
}

func (h *handler) rewardComplete(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil || payload.Token == "" {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidToken)
		return
	}

	aid := h.anonID(w, r, false)
	res, err := h.app.Rewards.Redeem(r.Context(), payload.Token, aid, bindingFromRequest(r))
	if err != nil {
		h.internal(w, r, err)
		metrics.RecordRedemption("error")
		return
	}

	if res.OK {
		metrics.RecordRedemption("ok")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	metrics.RecordRedemption(res.Code)

	switch res.Code {
	case redemption.CodeCooldown:
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": res.Code, "msToNext": res.MsToNext})
	case redemption.CodeDailyCap:
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": res.Code, "debug": res.Debug})
	case redemption.CodeNonceNotFound:
		writeError(w, http.StatusNotFound, res.Code)
	case redemption.CodeNonceConsumed, redemption.CodeContextMismatch:
		writeError(w, http.StatusConflict, res.Code)
	default:
		// invalid_token, aid_cookie_missing, aid_mismatch
		writeError(w, http.StatusBadRequest, res.Code)
	}
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	if middleware.Identity(r.Context()) == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": h.app.Audit.Recent(100)})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.app.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal")
}

// bindingFromRequest captures the request context compared against a
// nonce's issuance-time binding.
func bindingFromRequest(r *http.Request) reward.Binding {
	return reward.Binding{
		IP:      middleware.ClientIP(r),
		UA:      r.UserAgent(),
		Origin:  r.Header.Get("Origin"),
		Referer: r.Referer(),
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
