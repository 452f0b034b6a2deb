package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/crypto"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/router"
)

// ClientLookup resolves client ids to records. The auth endpoints read
// straight from the source rather than the pipeline's cache so a
// freshly suspended client cannot mint one more token.
type ClientLookup interface {
	GetClientByID(ctx context.Context, id string) (*models.Client, error)
}

// AuthAPI serves credential exchange and token-scoped account reads.
type AuthAPI struct {
	clients ClientLookup
	secrets *crypto.Box
	tokens  *auth.TokenService
	catalog *router.Catalog
}

func NewAuthAPI(clients ClientLookup, secrets *crypto.Box, tokens *auth.TokenService, catalog *router.Catalog) *AuthAPI {
	return &AuthAPI{clients: clients, secrets: secrets, tokens: tokens, catalog: catalog}
}

type tokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
}

// Token exchanges long-lived credentials for a short-lived access
// token. POST /auth/token.
func (a *AuthAPI) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be valid JSON")
		return
	}
	if req.ClientID == "" || req.APIKey == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"client_id, api_key and secret are required")
		return
	}

	client, err := a.clients.GetClientByID(r.Context(), req.ClientID)
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			a.failExchange(w, req.ClientID, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "service_unavailable",
			"service temporarily unavailable")
		return
	}

	if !a.credentialsMatch(client, req.APIKey, req.Secret) {
		a.failExchange(w, req.ClientID, errors.New("credential mismatch"))
		return
	}
	if !client.Active() {
		writeError(w, http.StatusForbidden, "forbidden",
			"client is not permitted to make this request")
		return
	}

	token, _, err := a.tokens.Issue(client.ID, client.Scopes)
	if err != nil {
		logrus.WithField("client_id", client.ID).WithError(err).Error("token issuance failed")
		writeError(w, http.StatusServiceUnavailable, "service_unavailable",
			"service temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, models.TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(a.tokens.TTL().Seconds()),
		ClientID:    client.ID,
		Scopes:      client.Scopes,
	})
}

// credentialsMatch checks both credentials unconditionally so the
// response does not reveal which one was wrong.
func (a *AuthAPI) credentialsMatch(client *models.Client, apiKey, secret string) bool {
	keyOK := bcrypt.CompareHashAndPassword([]byte(client.APIKeyHash), []byte(apiKey)) == nil

	stored, err := a.secrets.Decrypt(client.SecretEnc)
	secretOK := err == nil && subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1

	return keyOK && secretOK
}

// failExchange answers every credential failure identically. Whether
// the client id exists, which credential failed, and why all stay in
// the logs.
func (a *AuthAPI) failExchange(w http.ResponseWriter, clientID string, cause error) {
	logrus.WithFields(logrus.Fields{
		"component": "gateway",
		"client_id": clientID,
	}).WithError(cause).Warn("credential exchange failed")
	writeError(w, http.StatusUnauthorized, "invalid_credentials",
		"client id or credentials are incorrect")
}

// Profile returns the authenticated client's record.
// GET /auth/profile, behind RequireToken.
func (a *AuthAPI) Profile(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return
	}
	client, err := a.clients.GetClientByID(r.Context(), ident.ClientID)
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "client no longer exists")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "service_unavailable",
			"service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// Models lists the catalog entries the authenticated client may call.
// GET /models, behind RequireToken.
func (a *AuthAPI) Models(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
		return
	}
	client, err := a.clients.GetClientByID(r.Context(), ident.ClientID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable",
			"service temporarily unavailable")
		return
	}

	visible := make([]router.Entry, 0)
	for _, entry := range a.catalog.List() {
		if client.ModelAllowed(entry.ModelID) {
			visible = append(visible, entry)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": visible})
}
