// Package handlers implements the HTTP handlers for the WaddleAI gateway:
// the OpenAI-compatible completion surface, auth and key management, usage
// and quota reporting, routing control, and security statistics.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/waddleai/waddleai/internal/api/middleware"
	"github.com/waddleai/waddleai/internal/providers"
	"github.com/waddleai/waddleai/internal/proxy"
	"github.com/waddleai/waddleai/internal/rbac"
	"github.com/waddleai/waddleai/internal/routing"
	"github.com/waddleai/waddleai/internal/security"
	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/internal/tokens"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Auth       *rbac.Authenticator
	Pipeline   *proxy.Pipeline
	Registry   *providers.Registry
	Router     *routing.Router
	Scanner    *security.Scanner
	Accountant *tokens.Accountant
}

func New(s store.Store, auth *rbac.Authenticator, p *proxy.Pipeline, reg *providers.Registry, rt *routing.Router, sc *security.Scanner, acc *tokens.Accountant) *Handlers {
	return &Handlers{
		Store:      s,
		Auth:       auth,
		Pipeline:   p,
		Registry:   reg,
		Router:     rt,
		Scanner:    sc,
		Accountant: acc,
	}
}

// ── OpenAI-compatible surface ────────────────────────────────

func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.Pipeline.ChatCompletion(r.Context(), *uc, &req, middleware.ClientIP(r))
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	list := h.Registry.ListAllModels(r.Context())
	if list == nil {
		list = []models.ModelDescriptor{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   list,
	})
}

// ── Auth & keys ─────────────────────────────────────────────

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, uc, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int((24 * time.Hour).Seconds()),
		"user":         uc,
	})
}

func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	var req struct {
		UserID            string     `json:"user_id,omitempty"`
		Name              string     `json:"name"`
		TokenQuotaDaily   int64      `json:"token_quota_daily,omitempty"`
		TokenQuotaMonthly int64      `json:"token_quota_monthly,omitempty"`
		ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	targetID := req.UserID
	if targetID == "" {
		targetID = uc.UserID
	}
	user, err := h.Store.GetUser(r.Context(), targetID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondClassified(w, errdefs.Internalf(err, "load user"))
		return
	}
	if err := rbac.CheckPermission(uc, rbac.PermManageKeys, user.OrganizationID); err != nil {
		respondClassified(w, err)
		return
	}
	// Issuing for someone else needs user management rights on top.
	if user.ID != uc.UserID {
		if err := rbac.CheckPermission(uc, rbac.PermManageUsers, user.OrganizationID); err != nil {
			respondClassified(w, err)
			return
		}
	}

	gen, err := h.Auth.IssueAPIKey(r.Context(), user, req.Name, req.TokenQuotaDaily, req.TokenQuotaMonthly, req.ExpiresAt)
	if err != nil {
		respondClassified(w, err)
		return
	}
	log.Info().Str("key_id", gen.Record.KeyID).Str("user", user.Username).Msg("api key created")
	respondJSON(w, http.StatusCreated, map[string]any{
		"api_key": gen.Plaintext,
		"key":     gen.Record,
	})
}

func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	keyID := chi.URLParam(r, "keyID")

	key, err := h.Store.GetAPIKey(r.Context(), keyID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "api key not found")
			return
		}
		respondClassified(w, errdefs.Internalf(err, "load api key"))
		return
	}
	if key.UserID != uc.UserID {
		if err := rbac.CheckPermission(uc, rbac.PermManageUsers, key.OrganizationID); err != nil {
			respondClassified(w, err)
			return
		}
	}

	// Keys are disabled, never deleted; the usage ledger keeps referencing
	// them.
	key.Enabled = false
	if err := h.Store.UpdateAPIKey(r.Context(), key); err != nil {
		respondClassified(w, errdefs.Internalf(err, "disable api key"))
		return
	}
	log.Info().Str("key_id", key.KeyID).Str("by", uc.Username).Msg("api key revoked")
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "disabled",
		"id":     key.ID,
	})
}

// ── Usage & quota ───────────────────────────────────────────

// resolveKey finds the API key a usage-style endpoint should report on:
// the caller's own key by default, any in-scope key by id for viewers.
func (h *Handlers) resolveKey(r *http.Request, uc *rbac.UserContext) (*models.APIKey, error) {
	keyID := r.URL.Query().Get("api_key_id")
	if keyID == "" {
		keyID = uc.APIKeyID
	}
	if keyID == "" {
		return nil, errdefs.New(errdefs.MalformedRequest, "api_key_id is required for session callers")
	}

	key, err := h.Store.GetAPIKey(r.Context(), keyID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.MalformedRequest, "unknown api key")
		}
		return nil, errdefs.Internalf(err, "load api key")
	}
	if key.ID != uc.APIKeyID {
		if err := rbac.CheckPermission(uc, rbac.PermViewUsage, key.OrganizationID); err != nil {
			return nil, err
		}
	}
	return key, nil
}

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	key, err := h.resolveKey(r, uc)
	if err != nil {
		respondClassified(w, err)
		return
	}

	days := queryInt(r, "days", 30)
	stats, err := h.Accountant.GetUsageStats(r.Context(), key.ID, days)
	if err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"api_key_id": key.ID,
		"days":       days,
		"usage":      stats,
	})
}

func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	key, err := h.resolveKey(r, uc)
	if err != nil {
		respondClassified(w, err)
		return
	}
	org, err := h.Store.GetOrganization(r.Context(), key.OrganizationID)
	if err != nil {
		respondClassified(w, errdefs.Internalf(err, "load organization"))
		return
	}

	// A quota report is not an admission: an exhausted quota still returns
	// the numbers with 200.
	info, err := h.Accountant.CheckQuota(r.Context(), key, org, 0)
	if err != nil && !errdefs.IsKind(err, errdefs.QuotaExceeded) {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"api_key_id": key.ID,
		"quota":      info,
	})
}

// ── Routing control ─────────────────────────────────────────

func (h *Handlers) RoutingStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"strategy":  h.Router.Strategy(),
		"providers": h.Router.Stats(),
	})
}

func (h *Handlers) SetRoutingStrategy(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	if err := rbac.CheckPermission(uc, rbac.PermManageRouting, ""); err != nil {
		respondClassified(w, err)
		return
	}

	var req struct {
		Strategy models.RoutingStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Router.SetStrategy(req.Strategy); err != nil {
		respondClassified(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"strategy": req.Strategy})
}

// ── Security reporting ──────────────────────────────────────

func (h *Handlers) SecurityStats(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUser(r.Context())
	if err := rbac.CheckPermission(uc, rbac.PermViewSecurity, ""); err != nil {
		respondClassified(w, err)
		return
	}

	hours := queryInt(r, "hours", 24)
	stats, err := h.Scanner.GetStats(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		respondClassified(w, errdefs.Internalf(err, "aggregate security events"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"policy":       h.Scanner.Policy().Name,
		"stats":        stats,
	})
}

// ── Helpers ─────────────────────────────────────────────────

func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondClassified maps a classified error to its status code. Internal
// causes stay in the log; the client sees the kind, the safe detail, and a
// correlation id when one exists.
func respondClassified(w http.ResponseWriter, err error) {
	ge := errdefs.AsError(err)
	status := ge.Kind.HTTPStatus()
	if status >= 500 {
		log.Error().Err(err).Str("correlation_id", ge.CorrelationID).Msg("request failed")
	}

	body := map[string]string{
		"error":   string(ge.Kind),
		"message": ge.Detail,
	}
	if ge.CorrelationID != "" {
		body["correlation_id"] = ge.CorrelationID
	}
	respondJSON(w, status, body)
}
