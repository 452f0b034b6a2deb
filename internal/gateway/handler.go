// Package gateway is the HTTP surface: middleware, the protected model
// invocation handler, and the token endpoints.
package gateway

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/pipeline"
	"github.com/modelgate/modelgate/internal/router"
)

// AuditSink receives one record per request on the protected surface.
type AuditSink interface {
	InsertRequestRecord(ctx context.Context, rec *models.RequestRecord) error
}

// InvokeHandler serves POST /api/models/{model}: the admission
// pipeline, then cache lookup, then upstream routing.
type InvokeHandler struct {
	pipeline *pipeline.Pipeline
	cache    *cache.Cache
	router   *router.Router
	catalog  *router.Catalog
	audit    AuditSink
	maxBody  int64
}

func NewInvokeHandler(p *pipeline.Pipeline, c *cache.Cache, rt *router.Router, catalog *router.Catalog, audit AuditSink, maxBody int64) *InvokeHandler {
	return &InvokeHandler{
		pipeline: p,
		cache:    c,
		router:   rt,
		catalog:  catalog,
		audit:    audit,
		maxBody:  maxBody,
	}
}

func (h *InvokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	modelID := mux.Vars(r)["model"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
			"request body exceeds the size limit")
		return
	}

	req := &pipeline.Request{
		ClientID:  r.Header.Get("X-Client-ID"),
		RequestID: r.Header.Get("X-Request-ID"),
		Token:     bearerToken(r),
		Signature: r.Header.Get("X-Signature"),
		Timestamp: r.Header.Get("X-Timestamp"),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		Body:      body,
		ModelID:   modelID,
	}
	entry, known := h.catalog.Lookup(modelID)
	if known {
		req.Cost = entry.Cost
	}

	accept, rej := h.pipeline.Process(r.Context(), req)
	if rej != nil {
		if rej.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(rej.RetryAfter))
		}
		logRejection(req, rej)
		writeError(w, rej.Status, string(rej.Reason), rejectionMessage(rej.Reason))
		h.record(req, models.VerdictRejected, string(rej.Reason), rej.Status, 0, "", start)
		return
	}

	resp, cacheStatus, err := h.dispatch(r.Context(), accept, req, entry)
	if err != nil {
		status, code, message := upstreamError(err)
		logrus.WithFields(logrus.Fields{
			"component":  "gateway",
			"client_id":  accept.Client.ID,
			"request_id": req.RequestID,
			"model":      modelID,
		}).WithError(err).Warn("model dispatch failed")
		writeError(w, status, code, message)
		h.record(req, models.VerdictAccepted, code, status, 0, cacheStatus, start)
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(accept.Verdict.Remaining)))
	if cacheStatus != "" {
		w.Header().Set("X-Cache-Status", cacheStatus)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	h.record(req, models.VerdictAccepted, "", resp.Status, int64(len(resp.Body)), cacheStatus, start)
}

// dispatch routes through the response cache for cacheable entries and
// straight upstream otherwise. Unknown models fall through to the
// router so its error mapping applies after authentication, not
// before.
func (h *InvokeHandler) dispatch(ctx context.Context, accept *pipeline.Accept, req *pipeline.Request, entry router.Entry) (models.UpstreamResponse, string, error) {
	if !entry.Cacheable {
		resp, _, err := h.router.Route(ctx, accept.Client, req.RequestID, req.ModelID, req.Body)
		return resp, "", err
	}

	fp := cache.Fingerprint(req.ModelID, h.catalog.Scope(entry, accept.Client.ID), req.Body)
	return h.cache.Fetch(ctx, fp, func(fctx context.Context) (models.UpstreamResponse, bool, error) {
		return h.router.Route(fctx, accept.Client, req.RequestID, req.ModelID, req.Body)
	})
}

func upstreamError(err error) (int, string, string) {
	switch {
	case errors.Is(err, router.ErrUnknownModel):
		return http.StatusNotFound, "unknown_model", "model is not available"
	case errors.Is(err, router.ErrModelNotAllowed):
		return http.StatusForbidden, "model_not_allowed", "client is not permitted to use this model"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout", "model backend did not answer in time"
	default:
		return http.StatusBadGateway, "upstream_error", "model backend is unavailable"
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func logRejection(req *pipeline.Request, rej *pipeline.Rejection) {
	entry := logrus.WithFields(logrus.Fields{
		"component":  "gateway",
		"stage":      string(rej.Stage),
		"reason":     string(rej.Reason),
		"client_id":  req.ClientID,
		"request_id": req.RequestID,
		"model":      req.ModelID,
	})
	if rej.Cause != nil {
		entry = entry.WithError(rej.Cause)
	}
	switch rej.Reason {
	case pipeline.ReasonDuplicate:
		entry.Info("request rejected")
	case pipeline.ReasonRateLimited, pipeline.ReasonMalformed:
		entry.Debug("request rejected")
	case pipeline.ReasonUnavailable, pipeline.ReasonInternal:
		entry.Error("request rejected")
	default:
		entry.Warn("request rejected")
	}
}

// record hands the audit row off the request path. A failed insert is
// logged and dropped; auditing never fails the request it describes.
func (h *InvokeHandler) record(req *pipeline.Request, verdict, reason string, status int, size int64, cacheStatus string, start time.Time) {
	rec := &models.RequestRecord{
		RequestID:    req.RequestID,
		ClientID:     req.ClientID,
		ModelID:      req.ModelID,
		Path:         req.Path,
		Method:       req.Method,
		Verdict:      verdict,
		Reason:       reason,
		StatusCode:   status,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		ResponseSize: size,
		CacheStatus:  cacheStatus,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.audit.InsertRequestRecord(ctx, rec); err != nil {
			logrus.WithError(err).Warn("audit record dropped")
		}
	}()
}
