package auth

import (
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func signedRequest(ts time.Time) CanonicalRequest {
	return CanonicalRequest{
		Method:    "POST",
		Path:      "/api/models/gpt-mini",
		Query:     url.Values{},
		Body:      []byte(`{"prompt":"hello"}`),
		Timestamp: strconv.FormatInt(ts.Unix(), 10),
	}
}

func TestSignerRoundTrip(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)
	req := signedRequest(now)

	sig := signer.Sign("secret", req)
	if err := signer.Verify("secret", req, sig, now); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestSignerAcceptsWithinSkew(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)

	for _, offset := range []time.Duration{-5 * time.Minute, -30 * time.Second, 0, 30 * time.Second, 5 * time.Minute} {
		req := signedRequest(now.Add(offset))
		sig := signer.Sign("secret", req)
		if err := signer.Verify("secret", req, sig, now); err != nil {
			t.Fatalf("Verify() with offset %s error = %v", offset, err)
		}
	}
}

func TestSignerRejectsStaleTimestamp(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)

	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		req := signedRequest(now.Add(offset))
		sig := signer.Sign("secret", req)
		if err := signer.Verify("secret", req, sig, now); !errors.Is(err, ErrStaleTimestamp) {
			t.Fatalf("Verify() with offset %s error = %v, want ErrStaleTimestamp", offset, err)
		}
	}
}

func TestSignerRejectsTampering(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)
	req := signedRequest(now)
	sig := signer.Sign("secret", req)

	tampered := req
	tampered.Body = []byte(`{"prompt":"evil"}`)
	if err := signer.Verify("secret", tampered, sig, now); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify(tampered body) error = %v, want ErrSignatureMismatch", err)
	}

	tampered = req
	tampered.Path = "/api/models/other"
	if err := signer.Verify("secret", tampered, sig, now); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify(tampered path) error = %v, want ErrSignatureMismatch", err)
	}

	if err := signer.Verify("wrong-secret", req, sig, now); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify(wrong secret) error = %v, want ErrSignatureMismatch", err)
	}
}

func TestSignerCanonicalQueryOrderIndependent(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)

	q1, _ := url.ParseQuery("b=2&a=1&a=0")
	q2, _ := url.ParseQuery("a=0&a=1&b=2")

	req1 := signedRequest(now)
	req1.Query = q1
	req2 := signedRequest(now)
	req2.Query = q2

	sig := signer.Sign("secret", req1)
	if err := signer.Verify("secret", req2, sig, now); err != nil {
		t.Fatalf("Verify() with reordered query error = %v", err)
	}
}

func TestSignerPrefixOptional(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)
	req := signedRequest(now)

	sig := signer.Sign("secret", req)
	bare := sig[len("sha256="):]
	if err := signer.Verify("secret", req, bare, now); err != nil {
		t.Fatalf("Verify() without prefix error = %v", err)
	}
}

func TestSignerRejectsBadTimestampFormat(t *testing.T) {
	signer := NewRequestSigner(5 * time.Minute)
	now := time.Unix(1700000000, 0)

	req := signedRequest(now)
	req.Timestamp = "yesterday"
	sig := signer.Sign("secret", req)
	if err := signer.Verify("secret", req, sig, now); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("Verify(bad timestamp) error = %v, want ErrMalformedRequest", err)
	}
}
