// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package secrets_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
)

const testEncryptionKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestEncryptorRoundTrip(t *testing.T) {
	encryptor, err := secrets.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)

	plaintext := "whsec_0123456789abcdef0123456789abcdef"
	stored, err := encryptor.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotContains(t, stored, plaintext)

	decrypted, err := encryptor.Decrypt(stored)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	// a fresh nonce every time
	again, err := encryptor.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, stored, again)
}

func TestEncryptorRejectsWrongKey(t *testing.T) {
	encryptor, err := secrets.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)
	stored, err := encryptor.Encrypt("some-secret-key-some-secret-key!")
	require.NoError(t, err)

	otherKey := strings.Repeat("ab", 32)
	other, err := secrets.NewEncryptor(otherKey)
	require.NoError(t, err)
	_, err = other.Decrypt(stored)
	require.Error(t, err)
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	_, err := secrets.NewEncryptor("not hex")
	require.Error(t, err)

	_, err = secrets.NewEncryptor("abcd") // too short
	require.Error(t, err)
}

func TestEncryptorRejectsMalformedRecords(t *testing.T) {
	encryptor, err := secrets.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)

	for _, stored := range []string{"", "no-separator", "zz:zz", "abcd:abcd"} {
		_, err := encryptor.Decrypt(stored)
		require.Error(t, err, "record %q", stored)
	}
}

func TestValidateSecretKey(t *testing.T) {
	short := secrets.ValidateSecretKey("too-short")
	require.False(t, short.Valid)

	digits := secrets.ValidateSecretKey(strings.Repeat("0123456789", 4))
	require.False(t, digits.Valid)

	letters := secrets.ValidateSecretKey(strings.Repeat("abcdefghij", 4))
	require.False(t, letters.Valid)

	repeated := secrets.ValidateSecretKey("aaaaaaaaaa-0123456789-0123456789-x")
	require.False(t, repeated.Valid)

	acceptable := secrets.ValidateSecretKey("a1b2c3d4e5f6g7h8i9j0a1b2c3d4e5f6")
	require.True(t, acceptable.Valid)
	require.Equal(t, secrets.StrengthAcceptable, acceptable.Strength)
	require.NotEmpty(t, acceptable.Warnings)

	strong, err := secrets.GenerateSecretKey()
	require.NoError(t, err)
	result := secrets.ValidateSecretKey(strong)
	require.True(t, result.Valid)
	require.Equal(t, secrets.StrengthStrong, result.Strength)
}

func TestFingerprintIsStable(t *testing.T) {
	a := secrets.Fingerprint("endpoint", "access-key", "region")
	b := secrets.Fingerprint("endpoint", "access-key", "region")
	c := secrets.Fingerprint("endpoint", "other-key", "region")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 16)
}

func TestDisabledManagerShortCircuits(t *testing.T) {
	ctx := context.Background()
	db := &fakeSecretsDB{byID: map[string]*secrets.Secret{}}
	manager, err := secrets.NewManager(zaptest.NewLogger(t), db, secrets.Config{Enabled: false})
	require.NoError(t, err)

	_, err = manager.CreateSecret(ctx, "dest-1", secrets.CreateOptions{})
	require.True(t, secrets.ErrDisabled.Has(err))
	_, err = manager.RotateSecret(ctx, "dest-1", secrets.RotateOptions{})
	require.True(t, secrets.ErrDisabled.Has(err))
	_, err = manager.ConfigureBYOS(ctx, "dest-1", secrets.BYOSOptions{SecretKey: testEncryptionKey})
	require.True(t, secrets.ErrDisabled.Has(err))

	// rows may pre-exist from an enabled run; without the key they cannot
	// be decrypted, so signing is skipped instead of failing
	db.byID["s1"] = &secrets.Secret{ID: "s1", DestinationID: "dest-1", SecretKey: "aa:bb", IsActive: true}
	db.order = append(db.order, "s1")
	active, err := manager.GetActiveSecrets(ctx, "dest-1")
	require.NoError(t, err)
	require.Empty(t, active)
}

func newManager(t *testing.T) (*secrets.Manager, *fakeSecretsDB) {
	db := &fakeSecretsDB{byID: map[string]*secrets.Secret{}}
	manager, err := secrets.NewManager(zaptest.NewLogger(t), db, secrets.Config{
		Enabled:          true,
		EncryptionKey:    testEncryptionKey,
		MaxActiveSecrets: 2,
		OverlapPeriod:    24 * time.Hour,
	})
	require.NoError(t, err)
	return manager, db
}

func TestManagerRequiresEncryptionKey(t *testing.T) {
	_, err := secrets.NewManager(zaptest.NewLogger(t), nil, secrets.Config{Enabled: true})
	require.Error(t, err)
}

func TestCreateAndGetSecret(t *testing.T) {
	ctx := context.Background()
	manager, db := newManager(t)

	created, err := manager.CreateSecret(ctx, "dest-1", secrets.CreateOptions{IsPrimary: true})
	require.NoError(t, err)
	require.True(t, created.IsPrimary)
	require.Len(t, created.SecretKey, 128)

	// the database row holds ciphertext, not the plaintext key
	require.NotEqual(t, created.SecretKey, db.byID[created.ID].SecretKey)

	active, err := manager.GetActiveSecrets(ctx, "dest-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, created.SecretKey, active[0].SecretKey)
	require.Equal(t, secrets.AlgorithmHMACSHA256, active[0].Algorithm)
}

func TestCreateSecretRejectsWeakKeys(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)

	_, err := manager.CreateSecret(ctx, "dest-1", secrets.CreateOptions{SecretKey: "weak"})
	require.Error(t, err)
}

func TestRotateSecretKeepsOverlap(t *testing.T) {
	ctx := context.Background()
	manager, db := newManager(t)

	old, err := manager.CreateSecret(ctx, "dest-1", secrets.CreateOptions{IsPrimary: true})
	require.NoError(t, err)

	rotated, err := manager.RotateSecret(ctx, "dest-1", secrets.RotateOptions{})
	require.NoError(t, err)
	require.True(t, rotated.IsPrimary)
	require.NotEqual(t, old.ID, rotated.ID)

	// old primary is demoted but stays active with an expiration
	demoted := db.byID[old.ID]
	require.True(t, demoted.IsActive)
	require.False(t, demoted.IsPrimary)
	require.NotNil(t, demoted.ExpiresAt)
	require.True(t, demoted.ExpiresAt.After(time.Now()))

	// both keys verify during the overlap window
	active, err := manager.GetActiveSecrets(ctx, "dest-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.True(t, active[0].IsPrimary)

	// after the overlap the demoted key no longer comes back
	expired := time.Now().Add(-time.Minute)
	demoted.ExpiresAt = &expired
	active, err = manager.GetActiveSecrets(ctx, "dest-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, rotated.ID, active[0].ID)
}

func TestRotateSecretEnforcesActiveCap(t *testing.T) {
	ctx := context.Background()
	manager, db := newManager(t)

	_, err := manager.CreateSecret(ctx, "dest-1", secrets.CreateOptions{IsPrimary: true})
	require.NoError(t, err)
	_, err = manager.RotateSecret(ctx, "dest-1", secrets.RotateOptions{})
	require.NoError(t, err)
	_, err = manager.RotateSecret(ctx, "dest-1", secrets.RotateOptions{})
	require.NoError(t, err)

	active := 0
	for _, secret := range db.byID {
		if secret.IsActive {
			active++
		}
	}
	require.LessOrEqual(t, active, 2)
}

func TestConfigureBYOS(t *testing.T) {
	ctx := context.Background()
	manager, db := newManager(t)

	old, err := manager.CreateSecret(ctx, "dest-1", secrets.CreateOptions{IsPrimary: true})
	require.NoError(t, err)

	customerKey := "customer-supplied-key-0123456789-abcdef"
	installed, err := manager.ConfigureBYOS(ctx, "dest-1", secrets.BYOSOptions{
		SecretKey: customerKey,
	})
	require.NoError(t, err)
	require.True(t, installed.IsPrimary)
	require.Equal(t, customerKey, installed.SecretKey)
	require.Nil(t, installed.ExpiresAt)

	// every prior secret is deactivated
	require.False(t, db.byID[old.ID].IsActive)

	active, err := manager.GetActiveSecrets(ctx, "dest-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, installed.ID, active[0].ID)
}

func TestConfigureBYOSRejectsWeakKeys(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)

	_, err := manager.ConfigureBYOS(ctx, "dest-1", secrets.BYOSOptions{SecretKey: "1234"})
	require.Error(t, err)
}

// fakeSecretsDB is an in-memory secrets.DB.
type fakeSecretsDB struct {
	byID  map[string]*secrets.Secret
	order []string
}

func (f *fakeSecretsDB) Create(ctx context.Context, secret secrets.Secret) (secrets.Secret, error) {
	stored := secret
	f.byID[secret.ID] = &stored
	f.order = append(f.order, secret.ID)
	return secret, nil
}

func (f *fakeSecretsDB) FindActiveByDestination(ctx context.Context, destinationID string) ([]secrets.Secret, error) {
	var primary, rest []secrets.Secret
	// newest first within each group
	for i := len(f.order) - 1; i >= 0; i-- {
		secret := f.byID[f.order[i]]
		if secret.DestinationID != destinationID || !secret.IsActive {
			continue
		}
		if secret.IsPrimary {
			primary = append(primary, *secret)
		} else {
			rest = append(rest, *secret)
		}
	}
	return append(primary, rest...), nil
}

func (f *fakeSecretsDB) MarkInactive(ctx context.Context, id string) error {
	f.byID[id].IsActive = false
	f.byID[id].IsPrimary = false
	return nil
}

func (f *fakeSecretsDB) SetPrimary(ctx context.Context, id string, primary bool) error {
	f.byID[id].IsPrimary = primary
	return nil
}

func (f *fakeSecretsDB) SetExpiresAt(ctx context.Context, id string, expiresAt time.Time) error {
	f.byID[id].ExpiresAt = &expiresAt
	now := time.Now().UTC()
	f.byID[id].RotatedAt = &now
	return nil
}

func (f *fakeSecretsDB) RecordUse(ctx context.Context, id string, usedAt time.Time) error {
	f.byID[id].UsageCount++
	f.byID[id].LastUsedAt = &usedAt
	return nil
}

func (f *fakeSecretsDB) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	for id, secret := range f.byID {
		if !secret.IsActive || (secret.ExpiresAt != nil && secret.ExpiresAt.Before(before)) {
			delete(f.byID, id)
			removed++
		}
	}
	return removed, nil
}
