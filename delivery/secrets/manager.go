// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// generatedSecretBytes is the entropy of generated secrets. Hex encoding
// doubles this into the stored key length.
const generatedSecretBytes = 64

// Manager handles the lifecycle of webhook signing secrets with transparent
// encryption at rest.
//
// architecture: Service
type Manager struct {
	log       *zap.Logger
	db        DB
	encryptor *Encryptor
	config    Config
}

// NewManager creates a secret manager. It refuses to start when the manager
// is enabled but no encryption key is configured.
func NewManager(log *zap.Logger, db DB, config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{log: log, db: db, config: config}, nil
	}
	if config.EncryptionKey == "" {
		return nil, Error.New("secret manager enabled without encryption key")
	}
	encryptor, err := NewEncryptor(config.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if config.MaxActiveSecrets <= 0 {
		config.MaxActiveSecrets = 2
	}
	return &Manager{log: log, db: db, encryptor: encryptor, config: config}, nil
}

// CreateOptions controls secret creation.
type CreateOptions struct {
	SecretKey string
	Algorithm string
	IsPrimary bool
	ExpiresAt *time.Time
}

// CreateSecret installs a new secret for a destination, generating one when
// no key is supplied. When IsPrimary is set, prior primaries are demoted.
func (m *Manager) CreateSecret(ctx context.Context, destinationID string, opts CreateOptions) (_ Secret, err error) {
	defer mon.Task()(&ctx)(&err)

	if m.encryptor == nil {
		return Secret{}, ErrDisabled.New("cannot create secret for %s", destinationID)
	}

	key := opts.SecretKey
	if key == "" {
		key, err = GenerateSecretKey()
		if err != nil {
			return Secret{}, err
		}
	} else {
		validation := ValidateSecretKey(key)
		if !validation.Valid {
			return Secret{}, Error.New("invalid secret key: %v", validation.Errors)
		}
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmHMACSHA256
	}

	if opts.IsPrimary {
		if err := m.demotePrimaries(ctx, destinationID); err != nil {
			return Secret{}, err
		}
	}

	ciphertext, err := m.encryptor.Encrypt(key)
	if err != nil {
		return Secret{}, err
	}

	created, err := m.db.Create(ctx, Secret{
		ID:            uuid.NewString(),
		DestinationID: destinationID,
		SecretKey:     ciphertext,
		Algorithm:     algorithm,
		IsActive:      true,
		IsPrimary:     opts.IsPrimary,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return Secret{}, Error.Wrap(err)
	}

	created.SecretKey = key
	return created, nil
}

// GetActiveSecrets returns the decrypted active secrets for a destination,
// primary first. Secrets past their expiration are filtered out.
func (m *Manager) GetActiveSecrets(ctx context.Context, destinationID string) (_ []Secret, err error) {
	defer mon.Task()(&ctx)(&err)

	// rows may pre-exist from a run with secrets enabled; without the
	// encryption key they are unusable, so deliveries go out unsigned
	if m.encryptor == nil {
		return nil, nil
	}

	rows, err := m.db.FindActiveByDestination(ctx, destinationID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	now := time.Now()
	secrets := make([]Secret, 0, len(rows))
	for _, row := range rows {
		if row.ExpiresAt != nil && row.ExpiresAt.Before(now) {
			continue
		}
		plaintext, err := m.encryptor.Decrypt(row.SecretKey)
		if err != nil {
			return nil, err
		}
		row.SecretKey = plaintext
		secrets = append(secrets, row)
	}
	return secrets, nil
}

// RotateOptions controls secret rotation.
type RotateOptions struct {
	NewSecretKey  string
	OverlapPeriod time.Duration
}

// RotateSecret creates a new primary secret and keeps the previous primary
// active for the overlap window, so signatures from either key verify during
// the transition.
func (m *Manager) RotateSecret(ctx context.Context, destinationID string, opts RotateOptions) (_ Secret, err error) {
	defer mon.Task()(&ctx)(&err)

	if m.encryptor == nil {
		return Secret{}, ErrDisabled.New("cannot rotate secret for %s", destinationID)
	}

	overlap := opts.OverlapPeriod
	if overlap <= 0 {
		overlap = m.config.OverlapPeriod
	}

	now := time.Now().UTC()
	active, err := m.db.FindActiveByDestination(ctx, destinationID)
	if err != nil {
		return Secret{}, Error.Wrap(err)
	}

	for _, secret := range active {
		if !secret.IsPrimary {
			continue
		}
		if err := m.db.SetPrimary(ctx, secret.ID, false); err != nil {
			return Secret{}, Error.Wrap(err)
		}
		if err := m.db.SetExpiresAt(ctx, secret.ID, now.Add(overlap)); err != nil {
			return Secret{}, Error.Wrap(err)
		}
	}

	created, err := m.CreateSecret(ctx, destinationID, CreateOptions{
		SecretKey: opts.NewSecretKey,
		IsPrimary: true,
	})
	if err != nil {
		return Secret{}, err
	}
	created.RotatedAt = &now

	// enforce the active secret cap, oldest first
	active, err = m.db.FindActiveByDestination(ctx, destinationID)
	if err != nil {
		return Secret{}, Error.Wrap(err)
	}
	for i := len(active) - 1; i >= 0 && len(active)-countInactive(active) > m.config.MaxActiveSecrets; i-- {
		if active[i].IsPrimary {
			continue
		}
		if err := m.db.MarkInactive(ctx, active[i].ID); err != nil {
			return Secret{}, Error.Wrap(err)
		}
		active[i].IsActive = false
	}

	m.log.Info("secret rotated",
		zap.String("destination_id", destinationID),
		zap.Duration("overlap", overlap))
	return created, nil
}

func countInactive(secrets []Secret) int {
	n := 0
	for _, s := range secrets {
		if !s.IsActive {
			n++
		}
	}
	return n
}

// BYOSOptions carries a customer-supplied secret.
type BYOSOptions struct {
	SecretKey       string
	Algorithm       string
	RotationManaged bool
}

// ConfigureBYOS deactivates all prior secrets and installs the
// customer-provided secret. When the customer manages rotation, no
// expiration is assigned.
func (m *Manager) ConfigureBYOS(ctx context.Context, destinationID string, opts BYOSOptions) (_ Secret, err error) {
	defer mon.Task()(&ctx)(&err)

	if m.encryptor == nil {
		return Secret{}, ErrDisabled.New("cannot configure secret for %s", destinationID)
	}

	validation := ValidateSecretKey(opts.SecretKey)
	if !validation.Valid {
		return Secret{}, Error.New("invalid secret key: %v", validation.Errors)
	}

	active, err := m.db.FindActiveByDestination(ctx, destinationID)
	if err != nil {
		return Secret{}, Error.Wrap(err)
	}
	for _, secret := range active {
		if err := m.db.MarkInactive(ctx, secret.ID); err != nil {
			return Secret{}, Error.Wrap(err)
		}
	}

	var expiresAt *time.Time
	if opts.RotationManaged {
		expiry := time.Now().UTC().Add(m.config.OverlapPeriod * 30)
		expiresAt = &expiry
	}

	return m.CreateSecret(ctx, destinationID, CreateOptions{
		SecretKey: opts.SecretKey,
		Algorithm: opts.Algorithm,
		IsPrimary: true,
		ExpiresAt: expiresAt,
	})
}

// RecordUse bumps the usage counters after a secret signed a delivery.
func (m *Manager) RecordUse(ctx context.Context, secretID string) error {
	return Error.Wrap(m.db.RecordUse(ctx, secretID, time.Now().UTC()))
}

// CleanupExpiredSecrets removes inactive and expired rows.
func (m *Manager) CleanupExpiredSecrets(ctx context.Context) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	removed, err = m.db.Cleanup(ctx, time.Now().UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if removed > 0 {
		m.log.Info("expired secrets removed", zap.Int64("count", removed))
	}
	return removed, nil
}

func (m *Manager) demotePrimaries(ctx context.Context, destinationID string) error {
	active, err := m.db.FindActiveByDestination(ctx, destinationID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, secret := range active {
		if secret.IsPrimary {
			if err := m.db.SetPrimary(ctx, secret.ID, false); err != nil {
				return Error.Wrap(err)
			}
		}
	}
	return nil
}

// GenerateSecretKey produces a hex-encoded 64-byte random secret.
func GenerateSecretKey() (string, error) {
	var buf [generatedSecretBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(buf[:]), nil
}
