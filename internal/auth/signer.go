package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// signaturePrefix versions the canonical form. Any change to the
// canonical encoding is a breaking protocol change and must introduce
// a new prefix.
const signaturePrefix = "sha256="

// CanonicalRequest is the signable view of one HTTP request.
// Timestamp is the raw Unix-seconds string exactly as transmitted; the
// signature covers the client's bytes, not a reparsed value.
type CanonicalRequest struct {
	Method    string
	Path      string
	Query     url.Values
	Body      []byte
	Timestamp string
}

// RequestSigner computes and verifies the per-request HMAC over the
// canonical representation: method, path, sorted query, body hash and
// timestamp, newline-joined.
type RequestSigner struct {
	skew time.Duration
}

func NewRequestSigner(skew time.Duration) *RequestSigner {
	return &RequestSigner{skew: skew}
}

// Skew is the configured clock-skew window.
func (s *RequestSigner) Skew() time.Duration {
	return s.skew
}

func canonicalString(req CanonicalRequest) string {
	bodyHash := sha256.Sum256(req.Body)
	return strings.Join([]string{
		strings.ToUpper(req.Method),
		req.Path,
		canonicalQuery(req.Query),
		hex.EncodeToString(bodyHash[:]),
		req.Timestamp,
	}, "\n")
}

// canonicalQuery re-encodes the query with keys sorted and values
// sorted within each key, so any correct client reproduces it
// byte-for-byte regardless of parameter order.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func signHex(secret string, req CanonicalRequest) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalString(req)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the transmitted signature form.
func (s *RequestSigner) Sign(secret string, req CanonicalRequest) string {
	return signaturePrefix + signHex(secret, req)
}

// Verify checks timestamp freshness against now, then the signature in
// constant time. The prefix on the provided signature is optional.
func (s *RequestSigner) Verify(secret string, req CanonicalRequest, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return ErrMalformedRequest
	}

	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > s.skew {
		return ErrStaleTimestamp
	}

	provided := strings.TrimPrefix(signature, signaturePrefix)
	expected := signHex(secret, req)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrSignatureMismatch
	}
	return nil
}
