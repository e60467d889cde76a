// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package secrets manages webhook signing secrets: generation, validation,
// encrypted storage, dual-key rotation, and customer-supplied secrets.
package secrets

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default secrets errs class.
	Error = errs.Class("secrets")
	// ErrNoActiveSecret is returned when a destination has no active secret.
	ErrNoActiveSecret = errs.Class("no active secret")
	// ErrDisabled is returned by write operations while secret management
	// is turned off.
	ErrDisabled = errs.Class("secret management disabled")
)

// AlgorithmHMACSHA256 is the default signing algorithm.
const AlgorithmHMACSHA256 = "HMAC-SHA256"

// Secret is a webhook signing secret. SecretKey holds plaintext only in
// memory; the database stores ciphertext.
type Secret struct {
	ID            string
	DestinationID string
	SecretKey     string
	Algorithm     string

	IsActive  bool
	IsPrimary bool

	ExpiresAt  *time.Time
	RotatedAt  *time.Time
	UsageCount int64
	LastUsedAt *time.Time

	CreatedAt time.Time
}

// DB stores webhook secrets. SecretKey is persisted encrypted; this
// interface deals in ciphertext only.
//
// architecture: Database
type DB interface {
	// Create inserts a new secret row.
	Create(ctx context.Context, secret Secret) (Secret, error)
	// FindActiveByDestination returns active secrets for a destination,
	// primary first, then newest first.
	FindActiveByDestination(ctx context.Context, destinationID string) ([]Secret, error)
	// MarkInactive deactivates a secret.
	MarkInactive(ctx context.Context, id string) error
	// SetPrimary flips the primary flag on a secret.
	SetPrimary(ctx context.Context, id string, primary bool) error
	// SetExpiresAt assigns an expiration to a secret.
	SetExpiresAt(ctx context.Context, id string, expiresAt time.Time) error
	// RecordUse increments the usage counter and stamps last_used_at.
	RecordUse(ctx context.Context, id string, usedAt time.Time) error
	// Cleanup removes inactive rows and rows expired before the given
	// time, returning the number removed.
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// Config contains settings for the secret manager.
type Config struct {
	Enabled          bool          `help:"whether webhook payload signing is enabled" default:"true"`
	EncryptionKey    string        `help:"256-bit hex key used to encrypt secrets at rest" default:""`
	MaxActiveSecrets int           `help:"maximum number of simultaneously active secrets per destination" default:"2"`
	OverlapPeriod    time.Duration `help:"how long a demoted secret stays valid after rotation" default:"24h"`
	CleanupInterval  time.Duration `help:"how often expired secrets are removed" default:"1h"`
}
