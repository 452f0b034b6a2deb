package pipeline

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/crypto"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/replay"
	"github.com/modelgate/modelgate/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubDirectory struct {
	clients map[string]*models.Client
}

func (d *stubDirectory) GetClientByID(ctx context.Context, id string) (*models.Client, error) {
	c, ok := d.clients[id]
	if !ok {
		return nil, db.ErrClientNotFound
	}
	return c, nil
}

type testEnv struct {
	clock    *fakeClock
	mem      *store.Memory
	box      *crypto.Box
	signer   *auth.RequestSigner
	tokens   *auth.TokenService
	pipeline *Pipeline
	secrets  map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)
	t.Cleanup(func() { mem.Close() })

	key := new(fernet.Key)
	if err := key.Generate(); err != nil {
		t.Fatalf("generate fernet key: %v", err)
	}
	box, err := crypto.NewBox(key.Encode())
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	keys, err := auth.NewKeyStore(30 * time.Minute)
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	keys.SetClock(clock.Now)
	tokens := auth.NewTokenService(keys, 15*time.Minute)
	tokens.SetClock(clock.Now)

	env := &testEnv{
		clock:   clock,
		mem:     mem,
		box:     box,
		signer:  auth.NewRequestSigner(5 * time.Minute),
		tokens:  tokens,
		secrets: map[string]string{},
	}

	directory := &stubDirectory{clients: map[string]*models.Client{}}
	for _, spec := range []struct {
		id     string
		status string
	}{
		{"client-1", models.StatusActive},
		{"client-2", models.StatusActive},
		{"client-3", models.StatusSuspended},
	} {
		secret := "sk-" + spec.id + "-secret"
		enc, err := box.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		env.secrets[spec.id] = secret
		directory.clients[spec.id] = &models.Client{
			ID: spec.id, Name: spec.id, Status: spec.status, SecretEnc: enc,
		}
	}

	guard := replay.NewGuard(mem, 11*time.Minute)
	limiter := ratelimit.NewLimiter(mem, models.Quota{Capacity: 2, RefillPerSec: 1})
	env.pipeline = New(directory, box, env.signer, guard, tokens, limiter, mem)
	env.pipeline.SetClock(clock.Now)
	return env
}

// signedRequest builds a fully valid request for clientID as of the
// fake clock's current time.
func (env *testEnv) signedRequest(t *testing.T, clientID, requestID string) *Request {
	t.Helper()
	token, _, err := env.tokens.Issue(clientID, []string{"invoke"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	body := []byte(`{"prompt":"hello"}`)
	ts := strconv.FormatInt(env.clock.Now().Unix(), 10)
	canonical := auth.CanonicalRequest{
		Method: "POST", Path: "/api/models/swift-mini",
		Query: url.Values{}, Body: body, Timestamp: ts,
	}
	return &Request{
		ClientID:  clientID,
		RequestID: requestID,
		Token:     token,
		Signature: env.signer.Sign(env.secrets[clientID], canonical),
		Timestamp: ts,
		Method:    "POST",
		Path:      "/api/models/swift-mini",
		Query:     url.Values{},
		Body:      body,
		ModelID:   "swift-mini",
		Cost:      1,
	}
}

func (env *testEnv) suspicionCount(t *testing.T, clientID string) string {
	t.Helper()
	v, ok, err := env.mem.Get(context.Background(), "suspect:"+clientID)
	if err != nil {
		t.Fatalf("Get suspicion counter: %v", err)
	}
	if !ok {
		return ""
	}
	return v
}

func (env *testEnv) nonceConsumed(t *testing.T, requestID string) bool {
	t.Helper()
	_, ok, err := env.mem.Get(context.Background(), "rid:"+requestID)
	if err != nil {
		t.Fatalf("Get nonce: %v", err)
	}
	return ok
}

func wantRejection(t *testing.T, rej *Rejection, stage Stage, reason Reason, status int) {
	t.Helper()
	if rej == nil {
		t.Fatal("request accepted, want rejection")
	}
	if rej.Stage != stage || rej.Reason != reason || rej.Status != status {
		t.Fatalf("rejection = %s/%s/%d, want %s/%s/%d",
			rej.Stage, rej.Reason, rej.Status, stage, reason, status)
	}
}

func TestProcessAccepts(t *testing.T) {
	env := newTestEnv(t)
	req := env.signedRequest(t, "client-1", "req-1")

	accept, rej := env.pipeline.Process(context.Background(), req)
	if rej != nil {
		t.Fatalf("rejected at %s: %s (%v)", rej.Stage, rej.Reason, rej.Cause)
	}
	if accept.Client.ID != "client-1" {
		t.Fatalf("client = %q", accept.Client.ID)
	}
	if accept.Identity.ClientID != "client-1" {
		t.Fatalf("identity = %q", accept.Identity.ClientID)
	}
	if !accept.Verdict.Allowed {
		t.Fatal("verdict not allowed on accepted request")
	}
}

func TestProcessRejectsDuplicateRequestID(t *testing.T) {
	env := newTestEnv(t)
	req := env.signedRequest(t, "client-1", "req-1")
	ctx := context.Background()

	if _, rej := env.pipeline.Process(ctx, req); rej != nil {
		t.Fatalf("first submission rejected: %s", rej.Reason)
	}
	_, rej := env.pipeline.Process(ctx, req)
	wantRejection(t, rej, StageNonce, ReasonDuplicate, 403)
}

func TestProcessRateLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		req := env.signedRequest(t, "client-1", "req-"+strconv.Itoa(i))
		if _, rej := env.pipeline.Process(ctx, req); rej != nil {
			t.Fatalf("request %d rejected: %s", i, rej.Reason)
		}
	}

	req := env.signedRequest(t, "client-1", "req-over")
	_, rej := env.pipeline.Process(ctx, req)
	wantRejection(t, rej, StageRateLimit, ReasonRateLimited, 429)
	if rej.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", rej.RetryAfter)
	}
}

func TestProcessRejectsTamperedBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.signedRequest(t, "client-1", "req-1")
	tampered := *req
	tampered.Body = []byte(`{"prompt":"transfer all funds"}`)

	_, rej := env.pipeline.Process(ctx, &tampered)
	wantRejection(t, rej, StageSignature, ReasonBadSignature, 401)

	if got := env.suspicionCount(t, "client-1"); got != "1" {
		t.Fatalf("suspicion counter = %q, want 1", got)
	}
	if env.nonceConsumed(t, "req-1") {
		t.Fatal("rejected request consumed its nonce")
	}

	// The untampered original is still admissible.
	if _, rej := env.pipeline.Process(ctx, req); rej != nil {
		t.Fatalf("original rejected after tampered copy: %s", rej.Reason)
	}
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	env := newTestEnv(t)
	req := env.signedRequest(t, "client-1", "req-1")

	env.clock.Advance(6 * time.Minute)
	_, rej := env.pipeline.Process(context.Background(), req)
	wantRejection(t, rej, StageSignature, ReasonStaleTimestamp, 401)

	if env.nonceConsumed(t, "req-1") {
		t.Fatal("stale request consumed its nonce")
	}
}

func TestProcessRejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldToken, _, err := env.tokens.Issue("client-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	env.clock.Advance(16 * time.Minute)

	req := env.signedRequest(t, "client-1", "req-1")
	req.Token = oldToken

	_, rej := env.pipeline.Process(ctx, req)
	wantRejection(t, rej, StageToken, ReasonExpiredToken, 401)

	// Nonce admission runs before token checks, so the id is burned
	// even though the request was rejected.
	if !env.nonceConsumed(t, "req-1") {
		t.Fatal("nonce not consumed before token verification")
	}
}

func TestProcessRejectsForeignToken(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedRequest(t, "client-1", "req-1")
	foreign, _, err := env.tokens.Issue("client-2", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req.Token = foreign

	_, rej := env.pipeline.Process(context.Background(), req)
	wantRejection(t, rej, StageToken, ReasonBadToken, 401)
	if got := env.suspicionCount(t, "client-1"); got != "1" {
		t.Fatalf("suspicion counter = %q, want 1", got)
	}
}

func TestProcessRejectsUnknownClient(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedRequest(t, "client-1", "req-1")
	req.ClientID = "ghost"

	_, rej := env.pipeline.Process(context.Background(), req)
	wantRejection(t, rej, StageSignature, ReasonBadSignature, 401)
}

func TestProcessRejectsSuspendedClient(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedRequest(t, "client-3", "req-1")
	_, rej := env.pipeline.Process(context.Background(), req)
	wantRejection(t, rej, StageSignature, ReasonForbidden, 403)
}

func TestProcessRejectsMissingParts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := map[string]func(*Request){
		"client id":  func(r *Request) { r.ClientID = "" },
		"request id": func(r *Request) { r.RequestID = "" },
		"timestamp":  func(r *Request) { r.Timestamp = "" },
		"signature":  func(r *Request) { r.Signature = "" },
		"token":      func(r *Request) { r.Token = "" },
		"oversized request id": func(r *Request) {
			r.RequestID = strings.Repeat("x", maxRequestIDLen+1)
		},
	}
	for name, mutate := range cases {
		req := env.signedRequest(t, "client-1", "req-"+name)
		mutate(req)
		_, rej := env.pipeline.Process(ctx, req)
		if rej == nil {
			t.Fatalf("%s: accepted", name)
		}
		if rej.Stage != StageReceived || rej.Reason != ReasonMalformed || rej.Status != 400 {
			t.Fatalf("%s: rejection = %s/%s/%d, want received/malformed_request/400",
				name, rej.Stage, rej.Reason, rej.Status)
		}
	}
}

func TestProcessRejectsUnparseableTimestamp(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedRequest(t, "client-1", "req-1")
	body := req.Body
	canonical := auth.CanonicalRequest{
		Method: req.Method, Path: req.Path, Query: req.Query,
		Body: body, Timestamp: "yesterday",
	}
	req.Timestamp = "yesterday"
	req.Signature = env.signer.Sign(env.secrets["client-1"], canonical)

	_, rej := env.pipeline.Process(context.Background(), req)
	wantRejection(t, rej, StageSignature, ReasonMalformed, 400)
}

// brokenStore fails every operation, standing in for a total outage of
// both the shared store and its fallback.
type brokenStore struct{}

func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, context.DeadlineExceeded
}
func (brokenStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, context.DeadlineExceeded
}
func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, context.DeadlineExceeded
}
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return context.DeadlineExceeded
}
func (brokenStore) Delete(context.Context, string) error {
	return context.DeadlineExceeded
}
func (brokenStore) TakeTokens(context.Context, string, float64, float64, float64) (store.TakeResult, error) {
	return store.TakeResult{}, context.DeadlineExceeded
}
func (brokenStore) Ping(context.Context) error { return context.DeadlineExceeded }
func (brokenStore) Close() error               { return nil }

func TestProcessFailsClosedWithoutStore(t *testing.T) {
	env := newTestEnv(t)

	// Same checks, but the nonce guard has no working store at all.
	env.pipeline.guard = replay.NewGuard(brokenStore{}, 11*time.Minute)

	req := env.signedRequest(t, "client-1", "req-1")
	_, rej := env.pipeline.Process(context.Background(), req)
	wantRejection(t, rej, StageNonce, ReasonUnavailable, 503)
}
