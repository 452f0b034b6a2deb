package models

import "time"

// Client statuses. Disabled is terminal: disabled clients are kept for
// audit integrity and never physically deleted.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDisabled  = "disabled"
)

// Quota describes one token bucket: how many requests may burst at once
// and how fast the bucket refills.
type Quota struct {
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
}

type Client struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Email         string           `json:"email"`
	APIKeyHash    string           `json:"-"`
	SecretEnc     string           `json:"-"`
	Status        string           `json:"status"`
	Scopes        []string         `json:"scopes"`
	AllowedModels []string         `json:"allowed_models"`
	Quotas        map[string]Quota `json:"quotas"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Active reports whether the client may authenticate at all.
func (c *Client) Active() bool {
	return c.Status == StatusActive
}

// ModelAllowed reports whether the client may call the given model.
// An empty allow list means every cataloged model is permitted.
func (c *Client) ModelAllowed(modelID string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// QuotaFor returns the client's override for a model, or the given
// default when none is configured.
func (c *Client) QuotaFor(modelID string, def Quota) Quota {
	if q, ok := c.Quotas[modelID]; ok {
		return q
	}
	return def
}

// RequestRecord is the immutable audit row written once per inbound
// request on the protected surface.
type RequestRecord struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	ClientID     string    `json:"client_id"`
	ModelID      string    `json:"model_id"`
	Path         string    `json:"path"`
	Method       string    `json:"method"`
	Verdict      string    `json:"verdict"`
	Reason       string    `json:"reason"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int       `json:"latency_ms"`
	ResponseSize int64     `json:"response_size"`
	CacheStatus  string    `json:"cache_status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Verdict values stored on RequestRecord.
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
)

// ClientStats aggregates request_records for the admin analytics view.
type ClientStats struct {
	ClientID     string           `json:"client_id"`
	Total        int64            `json:"total"`
	Accepted     int64            `json:"accepted"`
	Rejected     int64            `json:"rejected"`
	ByReason     map[string]int64 `json:"by_reason"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

// TokenResponse is the credential-exchange response body.
type TokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	ClientID    string   `json:"client_id"`
	Scopes      []string `json:"scopes"`
}

// UpstreamResponse is a captured model-backend reply, small enough to
// hold in memory and serialize into the response cache.
type UpstreamResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}
