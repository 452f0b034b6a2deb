package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/pipeline"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// rejectionMessages keeps client-facing text generic. Which check
// failed and why lives in the logs, not in the response.
var rejectionMessages = map[pipeline.Reason]string{
	pipeline.ReasonMalformed:      "request is missing required fields or they are invalid",
	pipeline.ReasonBadSignature:   "request signature verification failed",
	pipeline.ReasonStaleTimestamp: "request timestamp is outside the accepted window",
	pipeline.ReasonDuplicate:      "request id has already been used",
	pipeline.ReasonBadToken:       "access token verification failed",
	pipeline.ReasonExpiredToken:   "access token has expired",
	pipeline.ReasonForbidden:      "client is not permitted to make this request",
	pipeline.ReasonRateLimited:    "rate limit exceeded, slow down",
	pipeline.ReasonUnavailable:    "service temporarily unavailable",
	pipeline.ReasonInternal:       "internal error",
}

func rejectionMessage(reason pipeline.Reason) string {
	if msg, ok := rejectionMessages[reason]; ok {
		return msg
	}
	return "request rejected"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}
