// Package admin is the operator surface: client provisioning and
// lifecycle, credential and signing-key rotation, and stats. It is
// guarded by a shared admin secret and meant to be reachable only from
// the internal network.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/crypto"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/models"
)

// ClientStore is the persistence surface the admin handlers mutate.
type ClientStore interface {
	CreateClient(ctx context.Context, c *models.Client) error
	GetClientByID(ctx context.Context, id string) (*models.Client, error)
	ListClients(ctx context.Context) ([]*models.Client, error)
	UpdateClientStatus(ctx context.Context, id, status string) error
	UpdateClientQuotas(ctx context.Context, id string, quotas map[string]models.Quota) error
	UpdateClientCredentials(ctx context.Context, id, apiKeyHash, secretEnc string) error
	GetClientStats(ctx context.Context, clientID string, from, to time.Time) (*models.ClientStats, error)
}

// Invalidator drops a client from the gateway's read cache after a
// mutation.
type Invalidator interface {
	Invalidate(id string)
}

// CacheStats exposes response-cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

type Handler struct {
	store       ClientStore
	directory   Invalidator
	keys        *auth.KeyStore
	respCache   CacheStats
	secrets     *crypto.Box
	adminSecret string
}

func New(store ClientStore, directory Invalidator, keys *auth.KeyStore, respCache CacheStats, secrets *crypto.Box, adminSecret string) *Handler {
	return &Handler{
		store:       store,
		directory:   directory,
		keys:        keys,
		respCache:   respCache,
		secrets:     secrets,
		adminSecret: adminSecret,
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/clients", h.CreateClient).Methods(http.MethodPost)
	admin.HandleFunc("/clients", h.ListClients).Methods(http.MethodGet)
	admin.HandleFunc("/clients/{id}", h.GetClient).Methods(http.MethodGet)
	admin.HandleFunc("/clients/{id}/status", h.UpdateStatus).Methods(http.MethodPut)
	admin.HandleFunc("/clients/{id}/quotas", h.UpdateQuotas).Methods(http.MethodPut)
	admin.HandleFunc("/clients/{id}/rotate-credentials", h.RotateCredentials).Methods(http.MethodPost)
	admin.HandleFunc("/clients/{id}/stats", h.ClientStats).Methods(http.MethodGet)
	admin.HandleFunc("/keys/rotate", h.RotateSigningKey).Methods(http.MethodPost)
	admin.HandleFunc("/cache/stats", h.ResponseCacheStats).Methods(http.MethodGet)
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.adminSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin secret required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createClientRequest struct {
	Name          string                  `json:"name"`
	Email         string                  `json:"email"`
	Scopes        []string                `json:"scopes"`
	AllowedModels []string                `json:"allowed_models"`
	Quotas        map[string]models.Quota `json:"quotas"`
}

// credentialResponse is the only place plaintext credentials ever
// appear; they are not recoverable afterwards.
type credentialResponse struct {
	Client *models.Client `json:"client"`
	APIKey string         `json:"api_key"`
	Secret string         `json:"secret"`
	Note   string         `json:"note"`
}

const credentialNote = "store these credentials now; they are not retrievable later"

func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be valid JSON")
		return
	}
	if req.Name == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and email are required")
		return
	}
	if !validQuotas(req.Quotas) {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"quota capacity and refill_per_sec must be positive")
		return
	}

	apiKey, secret, hash, enc, err := h.mintCredentials()
	if err != nil {
		logrus.WithError(err).Error("credential generation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	client := &models.Client{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Email:         req.Email,
		APIKeyHash:    hash,
		SecretEnc:     enc,
		Status:        models.StatusActive,
		Scopes:        req.Scopes,
		AllowedModels: req.AllowedModels,
		Quotas:        req.Quotas,
	}
	if err := h.store.CreateClient(r.Context(), client); err != nil {
		logrus.WithError(err).Error("client creation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	logrus.WithFields(logrus.Fields{
		"component": "admin",
		"client_id": client.ID,
		"name":      client.Name,
	}).Info("client provisioned")
	writeJSON(w, http.StatusCreated, credentialResponse{
		Client: client, APIKey: apiKey, Secret: secret, Note: credentialNote,
	})
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.ListClients(r.Context())
	if err != nil {
		logrus.WithError(err).Error("client listing failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients": clients,
		"count":   len(clients),
	})
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, ok := h.fetchClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be valid JSON")
		return
	}
	switch req.Status {
	case models.StatusActive, models.StatusSuspended, models.StatusDisabled:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request",
			"status must be active, suspended or disabled")
		return
	}

	client, ok := h.fetchClient(w, r)
	if !ok {
		return
	}
	if client.Status == models.StatusDisabled {
		writeError(w, http.StatusConflict, "status_terminal",
			"disabled clients cannot change status")
		return
	}

	if err := h.store.UpdateClientStatus(r.Context(), client.ID, req.Status); err != nil {
		logrus.WithError(err).Error("status update failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	h.directory.Invalidate(client.ID)

	logrus.WithFields(logrus.Fields{
		"component": "admin",
		"client_id": client.ID,
		"from":      client.Status,
		"to":        req.Status,
	}).Info("client status changed")
	writeJSON(w, http.StatusOK, map[string]string{"id": client.ID, "status": req.Status})
}

func (h *Handler) UpdateQuotas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quotas map[string]models.Quota `json:"quotas"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be valid JSON")
		return
	}
	if len(req.Quotas) == 0 || !validQuotas(req.Quotas) {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"quota capacity and refill_per_sec must be positive")
		return
	}

	client, ok := h.fetchClient(w, r)
	if !ok {
		return
	}
	if err := h.store.UpdateClientQuotas(r.Context(), client.ID, req.Quotas); err != nil {
		logrus.WithError(err).Error("quota update failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	h.directory.Invalidate(client.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": client.ID, "quotas": req.Quotas})
}

func (h *Handler) RotateCredentials(w http.ResponseWriter, r *http.Request) {
	client, ok := h.fetchClient(w, r)
	if !ok {
		return
	}
	if client.Status == models.StatusDisabled {
		writeError(w, http.StatusConflict, "status_terminal",
			"disabled clients cannot rotate credentials")
		return
	}

	apiKey, secret, hash, enc, err := h.mintCredentials()
	if err != nil {
		logrus.WithError(err).Error("credential generation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if err := h.store.UpdateClientCredentials(r.Context(), client.ID, hash, enc); err != nil {
		logrus.WithError(err).Error("credential rotation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	h.directory.Invalidate(client.ID)

	logrus.WithFields(logrus.Fields{
		"component": "admin",
		"client_id": client.ID,
	}).Info("client credentials rotated")
	client.APIKeyHash = hash
	client.SecretEnc = enc
	writeJSON(w, http.StatusOK, credentialResponse{
		Client: client, APIKey: apiKey, Secret: secret, Note: credentialNote,
	})
}

func (h *Handler) ClientStats(w http.ResponseWriter, r *http.Request) {
	client, ok := h.fetchClient(w, r)
	if !ok {
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC 3339")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC 3339")
			return
		}
		to = parsed
	}

	stats, err := h.store.GetClientStats(r.Context(), client.ID, from, to)
	if err != nil {
		logrus.WithError(err).Error("stats query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RotateSigningKey brings a fresh token-signing key into service. Old
// tokens keep verifying until their key version ages out of grace.
func (h *Handler) RotateSigningKey(w http.ResponseWriter, r *http.Request) {
	previous := ""
	if current, err := h.keys.Current(); err == nil {
		previous = current.Version
	}

	rotated, err := h.keys.Rotate()
	if err != nil {
		logrus.WithError(err).Error("signing key rotation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	logrus.WithFields(logrus.Fields{
		"component": "admin",
		"version":   rotated.Version,
	}).Info("signing key rotated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rotated":          true,
		"current_version":  rotated.Version,
		"previous_version": previous,
		"live_versions":    h.keys.Versions(),
	})
}

func (h *Handler) ResponseCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.respCache.Stats())
}

// fetchClient resolves {id} and writes the error response itself when
// the client cannot be loaded.
func (h *Handler) fetchClient(w http.ResponseWriter, r *http.Request) (*models.Client, bool) {
	id := mux.Vars(r)["id"]
	client, err := h.store.GetClientByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such client")
			return nil, false
		}
		logrus.WithError(err).Error("client lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return nil, false
	}
	return client, true
}

func (h *Handler) mintCredentials() (apiKey, secret, hash, enc string, err error) {
	apiKey, err = generateKey(32)
	if err != nil {
		return "", "", "", "", err
	}
	secret, err = generateKey(48)
	if err != nil {
		return "", "", "", "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", "", err
	}
	enc, err = h.secrets.Encrypt(secret)
	if err != nil {
		return "", "", "", "", err
	}
	return apiKey, secret, string(hashed), enc, nil
}

func generateKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func validQuotas(quotas map[string]models.Quota) bool {
	for _, q := range quotas {
		if q.Capacity <= 0 || q.RefillPerSec <= 0 {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
