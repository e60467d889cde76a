// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package retry computes exponential backoff with jitter and classifies
// delivery failures as retryable or terminal.
package retry

import (
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default retry errs class.
	Error = errs.Class("retry")
	// ErrRetriesExhausted marks deliveries that have used every attempt.
	ErrRetriesExhausted = errs.Class("retries exhausted")
)

// Config contains the retry policy.
type Config struct {
	MaxRetries        int           `help:"maximum delivery attempts after the first" default:"5"`
	BaseDelay         time.Duration `help:"backoff delay for the first retry" default:"1s"`
	MaxDelay          time.Duration `help:"upper bound on the backoff delay" default:"5m"`
	BackoffMultiplier float64       `help:"exponential backoff multiplier" default:"2"`
	JitterEnabled     bool          `help:"whether uniform jitter is added to backoff delays" default:"true"`
	JitterMaxPercent  int           `help:"maximum jitter as a percent of the computed delay" default:"10"`
}

// defaultRetryableStatusCodes is the set of HTTP statuses worth retrying.
// Any other 4xx is terminal.
var defaultRetryableStatusCodes = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// RetryableStatus reports whether an HTTP status code is retryable.
func RetryableStatus(code int) bool {
	if defaultRetryableStatusCodes[code] {
		return true
	}
	// 5xx statuses outside the explicit set are still transient
	return code >= 500 && code < 600
}

var retryableMessageParts = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"eai_again",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporary failure",
	"rate limit",
	"service unavailable",
	"too many requests",
}

var nonRetryableMessageParts = []string{
	"unauthorized",
	"forbidden",
	"authentication failed",
	"authorization failed",
	"invalid payload",
	"invalid config",
	"invalid destination",
	"destination not found",
	"destination disabled",
	"validation failed",
	"integrity check failed",
}

// RetryableMessage classifies an error message. Non-retryable patterns win
// over retryable ones; unknown errors default to retryable so transient
// conditions are not dropped.
func RetryableMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, part := range nonRetryableMessageParts {
		if strings.Contains(lower, part) {
			return false
		}
	}
	for _, part := range retryableMessageParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return true
}

// Classify combines status-code and message classification. A status code of
// zero means no HTTP response was involved.
func Classify(message string, statusCode int) (retryable bool) {
	if statusCode != 0 {
		if statusCode >= 200 && statusCode < 400 {
			return false
		}
		if !RetryableStatus(statusCode) {
			return false
		}
	}
	return RetryableMessage(message)
}
