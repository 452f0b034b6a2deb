// Package pipeline runs every protected request through the fixed
// admission sequence: signature, nonce, token, rate limit. Cheap local
// checks come first so forged or stale traffic is dropped before it
// touches the shared store, and the nonce is burned before the token
// is inspected so a replayed request cannot probe token handling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/crypto"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/replay"
	"github.com/modelgate/modelgate/internal/store"
)

// Stage names the checkpoint a rejection happened at, in evaluation
// order.
type Stage string

const (
	StageReceived  Stage = "received"
	StageSignature Stage = "signature"
	StageNonce     Stage = "nonce"
	StageToken     Stage = "token"
	StageRateLimit Stage = "rate_limit"
)

// Reason is the coarse client-facing rejection category. Anything more
// specific stays in the internal logs.
type Reason string

const (
	ReasonMalformed      Reason = "malformed_request"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonStaleTimestamp Reason = "stale_timestamp"
	ReasonDuplicate      Reason = "duplicate_request"
	ReasonBadToken       Reason = "bad_token"
	ReasonExpiredToken   Reason = "expired_token"
	ReasonForbidden      Reason = "forbidden"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonUnavailable    Reason = "service_unavailable"
	ReasonInternal       Reason = "internal_error"
)

// Request ids are shared-store keys; cap them so a client cannot
// inflate nonce storage.
const maxRequestIDLen = 128

// Request carries everything the pipeline inspects about one inbound
// call. Timestamp holds the raw transmitted header value so signature
// verification covers the exact bytes the client signed.
type Request struct {
	ClientID  string
	RequestID string
	Token     string
	Signature string
	Timestamp string
	Method    string
	Path      string
	Query     url.Values
	Body      []byte
	ModelID   string
	Cost      float64
}

// Accept is the successful outcome: the resolved client, the verified
// token identity, and the rate-limit verdict that admitted the call.
type Accept struct {
	Client   *models.Client
	Identity *auth.Identity
	Verdict  ratelimit.Verdict
}

// Rejection is the failed outcome. Reason and Status are safe to send
// to the caller; Cause is for logs only.
type Rejection struct {
	Stage      Stage
	Reason     Reason
	Status     int
	RetryAfter time.Duration
	Cause      error
}

func reject(stage Stage, reason Reason, status int, cause error) *Rejection {
	return &Rejection{Stage: stage, Reason: reason, Status: status, Cause: cause}
}

// ClientDirectory resolves client ids to records.
type ClientDirectory interface {
	GetClientByID(ctx context.Context, id string) (*models.Client, error)
}

// Pipeline wires the admission checks together.
type Pipeline struct {
	directory ClientDirectory
	secrets   *crypto.Box
	signer    *auth.RequestSigner
	guard     *replay.Guard
	tokens    *auth.TokenService
	limiter   *ratelimit.Limiter
	store     store.Store
	nowFunc   func() time.Time
}

func New(directory ClientDirectory, secrets *crypto.Box, signer *auth.RequestSigner, guard *replay.Guard, tokens *auth.TokenService, limiter *ratelimit.Limiter, s store.Store) *Pipeline {
	return &Pipeline{
		directory: directory,
		secrets:   secrets,
		signer:    signer,
		guard:     guard,
		tokens:    tokens,
		limiter:   limiter,
		store:     s,
		nowFunc:   time.Now,
	}
}

// SetClock overrides the pipeline's time source. Tests only; call
// before any concurrent use.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.nowFunc = now
}

// Process runs req through every check in order. Exactly one of the
// returns is non-nil. A rejection at one stage leaves later stages
// untouched: in particular a request failing signature checks never
// consumes its nonce and never debits the rate bucket.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Accept, *Rejection) {
	if rej := p.checkShape(req); rej != nil {
		return nil, rej
	}

	client, rej := p.checkSignature(ctx, req)
	if rej != nil {
		return nil, rej
	}
	if rej := p.checkNonce(ctx, req); rej != nil {
		return nil, rej
	}
	ident, rej := p.checkToken(ctx, req, client)
	if rej != nil {
		return nil, rej
	}
	verdict, rej := p.checkRateLimit(ctx, req, client)
	if rej != nil {
		return nil, rej
	}

	return &Accept{Client: client, Identity: ident, Verdict: verdict}, nil
}

func (p *Pipeline) checkShape(req *Request) *Rejection {
	switch {
	case req.ClientID == "":
		return reject(StageReceived, ReasonMalformed, 400, errors.New("missing client id"))
	case req.RequestID == "":
		return reject(StageReceived, ReasonMalformed, 400, errors.New("missing request id"))
	case len(req.RequestID) > maxRequestIDLen:
		return reject(StageReceived, ReasonMalformed, 400, errors.New("request id too long"))
	case req.Timestamp == "":
		return reject(StageReceived, ReasonMalformed, 400, errors.New("missing timestamp"))
	case req.Signature == "":
		return reject(StageReceived, ReasonMalformed, 400, errors.New("missing signature"))
	case req.Token == "":
		return reject(StageReceived, ReasonMalformed, 400, errors.New("missing token"))
	}
	return nil
}

func (p *Pipeline) checkSignature(ctx context.Context, req *Request) (*models.Client, *Rejection) {
	client, err := p.directory.GetClientByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			// Indistinguishable from a bad signature to the caller, so
			// probing for valid client ids learns nothing.
			logrus.WithFields(logrus.Fields{
				"component": "pipeline",
				"client_id": req.ClientID,
			}).Warn("request for unknown client id")
			return nil, reject(StageSignature, ReasonBadSignature, 401, err)
		}
		return nil, reject(StageSignature, ReasonUnavailable, 503, err)
	}

	secret, err := p.secrets.Decrypt(client.SecretEnc)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "pipeline",
			"client_id": client.ID,
		}).WithError(err).Error("stored signing secret is undecryptable")
		return nil, reject(StageSignature, ReasonInternal, 500, err)
	}

	canonical := auth.CanonicalRequest{
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Body:      req.Body,
		Timestamp: req.Timestamp,
	}
	if err := p.signer.Verify(secret, canonical, req.Signature, p.nowFunc()); err != nil {
		switch {
		case errors.Is(err, auth.ErrMalformedRequest):
			return nil, reject(StageSignature, ReasonMalformed, 400, err)
		case errors.Is(err, auth.ErrStaleTimestamp):
			return nil, reject(StageSignature, ReasonStaleTimestamp, 401, err)
		default:
			p.suspect(ctx, client.ID, "request signature mismatch")
			return nil, reject(StageSignature, ReasonBadSignature, 401, err)
		}
	}

	if !client.Active() {
		return nil, reject(StageSignature, ReasonForbidden, 403,
			fmt.Errorf("client %s is %s", client.ID, client.Status))
	}
	return client, nil
}

func (p *Pipeline) checkNonce(ctx context.Context, req *Request) *Rejection {
	fresh, err := p.guard.Admit(ctx, req.RequestID)
	if err != nil {
		return reject(StageNonce, ReasonUnavailable, 503, err)
	}
	if !fresh {
		logrus.WithFields(logrus.Fields{
			"component":  "pipeline",
			"client_id":  req.ClientID,
			"request_id": req.RequestID,
		}).Info("duplicate request id rejected")
		return reject(StageNonce, ReasonDuplicate, 403, errors.New("request id already seen"))
	}
	return nil
}

func (p *Pipeline) checkToken(ctx context.Context, req *Request, client *models.Client) (*auth.Identity, *Rejection) {
	ident, err := p.tokens.Verify(req.Token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			return nil, reject(StageToken, ReasonExpiredToken, 401, err)
		case errors.Is(err, auth.ErrMalformedToken):
			return nil, reject(StageToken, ReasonBadToken, 401, err)
		case errors.Is(err, auth.ErrNoKeys):
			return nil, reject(StageToken, ReasonUnavailable, 503, err)
		default:
			// Forged signature or a key version outside its grace
			// window; both read as tampering.
			p.suspect(ctx, client.ID, "token verification failed")
			return nil, reject(StageToken, ReasonBadToken, 401, err)
		}
	}
	if ident.ClientID != client.ID {
		p.suspect(ctx, client.ID, "token subject does not match client id")
		return nil, reject(StageToken, ReasonBadToken, 401,
			fmt.Errorf("token subject %s presented by client %s", ident.ClientID, client.ID))
	}
	return ident, nil
}

func (p *Pipeline) checkRateLimit(ctx context.Context, req *Request, client *models.Client) (ratelimit.Verdict, *Rejection) {
	verdict, err := p.limiter.TryAcquire(ctx, client, req.ModelID, req.Cost)
	if err != nil {
		return ratelimit.Verdict{}, reject(StageRateLimit, ReasonUnavailable, 503, err)
	}
	if !verdict.Allowed {
		rej := reject(StageRateLimit, ReasonRateLimited, 429, errors.New("bucket exhausted"))
		rej.RetryAfter = verdict.RetryAfter
		return ratelimit.Verdict{}, rej
	}
	return verdict, nil
}

// suspect counts an authentication failure against a known client id.
// The counter feeds abuse review; crossing it never blocks traffic by
// itself.
func (p *Pipeline) suspect(ctx context.Context, clientID, msg string) {
	count, err := p.store.IncrBy(ctx, "suspect:"+clientID, 1, time.Hour)
	if err != nil {
		logrus.WithField("client_id", clientID).WithError(err).Debug("suspicion counter unavailable")
		count = -1
	}
	logrus.WithFields(logrus.Fields{
		"component":    "pipeline",
		"client_id":    clientID,
		"recent_count": count,
	}).Warn(msg)
}
