// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package webhook delivers payload envelopes over HTTP with HMAC signing
// and provides the receiver-side verification helper.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default webhook errs class.
	Error = errs.Class("webhook")
	// ErrSignature is returned for signature verification failures.
	ErrSignature = errs.Class("signature verification")
)

// DefaultClockSkew is the receiver-side tolerance for the X-Timestamp
// header.
const DefaultClockSkew = 5 * time.Minute

// Supported signing algorithms.
const (
	AlgorithmHMACSHA256 = "HMAC-SHA256"
	AlgorithmHMACSHA512 = "HMAC-SHA512"
)

func hashFor(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", AlgorithmHMACSHA256:
		return sha256.New, nil
	case AlgorithmHMACSHA512:
		return sha512.New, nil
	default:
		return nil, Error.New("unsupported algorithm %q", algorithm)
	}
}

// Sign computes the hex HMAC of the canonical body under the secret.
func Sign(algorithm, secret string, body []byte) (string, error) {
	newHash, err := hashFor(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks a signature against one secret in constant time.
func VerifySignature(algorithm, secret string, body []byte, signature string) bool {
	expected, err := Sign(algorithm, secret, body)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Verifier validates inbound webhook signatures on the receiving side.
// Multiple secrets are accepted so rotation overlap windows verify with
// either the new primary or the demoted previous primary.
type Verifier struct {
	// ClockSkew bounds the age of the X-Timestamp header; zero means
	// DefaultClockSkew.
	ClockSkew time.Duration
}

// Verify checks the signature and the timestamp window. The timestamp is
// the X-Timestamp header value in RFC 3339.
func (v Verifier) Verify(algorithm string, secrets []string, body []byte, signature, timestamp string) error {
	return v.verifyAt(algorithm, secrets, body, signature, timestamp, time.Now())
}

func (v Verifier) verifyAt(algorithm string, secrets []string, body []byte, signature, timestamp string, now time.Time) error {
	skew := v.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrSignature.New("invalid timestamp: %v", err)
	}
	age := now.Sub(ts)
	if age < -skew || age > skew {
		return ErrSignature.New("timestamp outside clock skew window")
	}

	for _, secret := range secrets {
		if VerifySignature(algorithm, secret, body, signature) {
			return nil
		}
	}
	return ErrSignature.New("no secret matches signature")
}
