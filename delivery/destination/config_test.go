// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package destination_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

func TestValidateWebhookConfig(t *testing.T) {
	valid := destination.Config{Webhook: &destination.WebhookConfig{
		URL:    "https://example.com/hook",
		Method: "POST",
	}}
	result := valid.Validate(destination.TypeWebhook)
	require.True(t, result.Valid)
	require.Empty(t, result.Warnings)

	plain := destination.Config{Webhook: &destination.WebhookConfig{
		URL: "http://example.com/hook",
	}}
	result = plain.Validate(destination.TypeWebhook)
	require.True(t, result.Valid)
	require.NotEmpty(t, result.Warnings)

	for name, config := range map[string]*destination.WebhookConfig{
		"relative url":   {URL: "/hook"},
		"bad scheme":     {URL: "ftp://example.com/hook"},
		"bad method":     {URL: "https://example.com", Method: "DELETE"},
		"timeout low":    {URL: "https://example.com", Timeout: destination.Millis(time.Millisecond)},
		"retry override": {URL: "https://example.com", Retry: &destination.RetryOverride{MaxRetries: 99, BackoffMultiplier: 2, MaxBackoffDelay: destination.Millis(time.Minute)}},
	} {
		result := destination.Config{Webhook: config}.Validate(destination.TypeWebhook)
		require.False(t, result.Valid, name)
	}

	result = destination.Config{}.Validate(destination.TypeWebhook)
	require.False(t, result.Valid)
}

func TestValidateEmailConfig(t *testing.T) {
	valid := destination.Config{Email: &destination.EmailConfig{
		Service:    "sendgrid",
		From:       "audit@example.com",
		Subject:    "Audit delivery",
		Recipients: []string{"compliance@example.com"},
		APIKey:     "SG.key",
	}}
	require.True(t, valid.Validate(destination.TypeEmail).Valid)

	smtpMissing := destination.Config{Email: &destination.EmailConfig{
		Service: "smtp",
		From:    "audit@example.com",
		Subject: "Audit delivery",
	}}
	require.False(t, smtpMissing.Validate(destination.TypeEmail).Valid)

	tooMany := make([]string, destination.MaxRecipients+1)
	for i := range tooMany {
		tooMany[i] = "user@example.com"
	}
	overflow := destination.Config{Email: &destination.EmailConfig{
		Service:    "ses",
		From:       "audit@example.com",
		Subject:    "Audit delivery",
		Recipients: tooMany,
	}}
	require.False(t, overflow.Validate(destination.TypeEmail).Valid)

	badRecipient := destination.Config{Email: &destination.EmailConfig{
		Service:    "resend",
		From:       "audit@example.com",
		Subject:    "Audit delivery",
		Recipients: []string{"not-an-address"},
	}}
	require.False(t, badRecipient.Validate(destination.TypeEmail).Valid)
}

func TestValidateSFTPConfig(t *testing.T) {
	valid := destination.Config{SFTP: &destination.SFTPConfig{
		Host:     "files.example.com",
		Port:     22,
		Username: "audit",
		Password: "hunter22hunter22",
		Path:     "/uploads/audit",
	}}
	require.True(t, valid.Validate(destination.TypeSFTP).Valid)

	bothAuth := valid
	bothAuth.SFTP = &destination.SFTPConfig{
		Host: "files.example.com", Port: 22, Username: "audit",
		Password: "x", PrivateKey: "y", Path: "/uploads",
	}
	require.False(t, bothAuth.Validate(destination.TypeSFTP).Valid)

	relative := destination.Config{SFTP: &destination.SFTPConfig{
		Host: "files.example.com", Port: 22, Username: "audit",
		Password: "x", Path: "uploads",
	}}
	require.False(t, relative.Validate(destination.TypeSFTP).Valid)
}

func TestValidateStorageConfig(t *testing.T) {
	valid := destination.Config{Storage: &destination.StorageConfig{
		Provider: "s3",
		Bucket:   "audit-archive",
		Region:   "eu-central-1",
		Path:     "exports",
	}}
	require.True(t, valid.Validate(destination.TypeStorage).Valid)

	azureNoEndpoint := destination.Config{Storage: &destination.StorageConfig{
		Provider: "azure",
		Bucket:   "audit-archive",
	}}
	require.False(t, azureNoEndpoint.Validate(destination.TypeStorage).Valid)

	absolutePath := destination.Config{Storage: &destination.StorageConfig{
		Provider: "gcp",
		Bucket:   "audit-archive",
		Path:     "/exports",
	}}
	result := absolutePath.Validate(destination.TypeStorage)
	require.True(t, result.Valid)
	require.NotEmpty(t, result.Warnings)
}

func TestValidateDownloadConfig(t *testing.T) {
	valid := destination.Config{Download: &destination.DownloadConfig{
		TTL:       destination.Seconds(24 * time.Hour),
		MaxAccess: 10,
	}}
	require.True(t, valid.Validate(destination.TypeDownload).Valid)

	expired := destination.Config{Download: &destination.DownloadConfig{TTL: 0}}
	require.False(t, expired.Validate(destination.TypeDownload).Valid)
}

func TestConfigDurationUnits(t *testing.T) {
	// stored configs carry ttlSeconds in seconds and timeouts in milliseconds
	var download destination.DownloadConfig
	require.NoError(t, json.Unmarshal([]byte(`{"ttlSeconds":3600,"maxAccess":5}`), &download))
	require.Equal(t, time.Hour, download.TTL.Duration())

	var webhook destination.WebhookConfig
	require.NoError(t, json.Unmarshal([]byte(`{"url":"https://example.com/hook","timeout":30000}`), &webhook))
	require.Equal(t, 30*time.Second, webhook.Timeout.Duration())
	require.True(t, destination.Config{Webhook: &webhook}.Validate(destination.TypeWebhook).Valid)

	var override destination.RetryOverride
	require.NoError(t, json.Unmarshal([]byte(`{"maxRetries":3,"backoffMultiplier":2,"maxBackoffDelay":60000}`), &override))
	require.Equal(t, time.Minute, override.MaxBackoffDelay.Duration())

	out, err := json.Marshal(destination.DownloadConfig{TTL: destination.Seconds(time.Hour), MaxAccess: 5})
	require.NoError(t, err)
	require.JSONEq(t, `{"ttlSeconds":3600,"maxAccess":5}`, string(out))

	out, err = json.Marshal(destination.WebhookConfig{URL: "https://example.com/hook", Timeout: destination.Millis(30 * time.Second)})
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://example.com/hook","method":"","timeout":30000}`, string(out))
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []destination.Type{
		destination.TypeWebhook, destination.TypeEmail, destination.TypeSFTP,
		destination.TypeStorage, destination.TypeDownload,
	} {
		require.True(t, typ.Valid())
	}
	require.False(t, destination.Type("carrier-pigeon").Valid())
}
