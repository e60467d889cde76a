// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package email

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

func TestUnsafeFilename(t *testing.T) {
	unsafe := []string{
		"",
		"..",
		"../etc/passwd",
		"report..json",
		"dir/report.json",
		`dir\report.json`,
		".hidden",
		"CON",
		"con.json",
		"com1.txt",
		"LPT9",
		`re<port>.json`,
		`re:port.json`,
		`re|port.json`,
		"re?port.json",
		"re*port.json",
		`re"port.json`,
	}
	for _, name := range unsafe {
		require.True(t, UnsafeFilename(name), "filename %q", name)
	}

	safe := []string{
		"report.json",
		"audit-2026-08-26.csv",
		"delivery_d1.pdf",
		"console.json", // contains "con" but is not the device name
		"comfort.txt",
	}
	for _, name := range safe {
		require.False(t, UnsafeFilename(name), "filename %q", name)
	}
}

func emailConfig() *destination.EmailConfig {
	return &destination.EmailConfig{
		Service:    "sendgrid",
		From:       "audit@example.com",
		Subject:    "Delivery {{deliveryId}}",
		Recipients: []string{"compliance@example.com"},
		APIKey:     "SG.key",
	}
}

func emailPayload() destination.Payload {
	return destination.Payload{
		DeliveryID:     "d1",
		OrganizationID: "org-1",
		Type:           "report.gdpr",
		Data:           json.RawMessage(`{"n":1}`),
		CorrelationID:  "corr-1",
	}
}

func TestCompose(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	msg, err := handler.compose(emailPayload(), emailConfig())
	require.NoError(t, err)
	require.Equal(t, "Delivery d1", msg.Subject)
	require.Contains(t, msg.PlainText, "d1")
	require.Contains(t, msg.PlainText, "org-1")
	require.Equal(t, "audit@example.com", msg.From.Address)
	require.Len(t, msg.To, 1)
	require.Equal(t, "d1", msg.Headers["X-Delivery-ID"])
	require.Equal(t, "org-1", msg.Headers["X-Organization-ID"])
	require.Equal(t, "corr-1", msg.Headers["X-Correlation-ID"])
	require.Empty(t, msg.Attachments)
}

func TestComposeNoRecipients(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	cfg := emailConfig()
	cfg.Recipients = nil
	_, err := handler.compose(emailPayload(), cfg)
	require.Error(t, err)
}

func TestComposeEnvelopeAttachment(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	cfg := emailConfig()
	cfg.AttachmentName = "delivery.json"
	msg, err := handler.compose(emailPayload(), cfg)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "delivery.json", msg.Attachments[0].Filename)
	require.Equal(t, "application/json", msg.Attachments[0].ContentType)
	require.Contains(t, string(msg.Attachments[0].Content), `"delivery_id": "d1"`)
}

func TestComposeRejectsUnsafeAttachmentName(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	payload := emailPayload()
	payload.Metadata = map[string]any{
		"attachments": []any{
			map[string]any{"filename": "../evil.json", "content": "e30="},
		},
	}
	_, err := handler.compose(payload, emailConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsafe attachment filename")
}

func TestComposeRejectsOversizedAttachment(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	payload := emailPayload()
	payload.Metadata = map[string]any{
		"attachments": []any{
			map[string]any{"filename": "big.csv", "content": strings.Repeat("#", MaxAttachmentSize+1)},
		},
	}
	_, err := handler.compose(payload, emailConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds 10 MiB limit")
}

func TestComposeRejectsOversizedEmail(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	// three attachments under the per-attachment cap whose encoded total
	// crosses the email cap
	chunk := strings.Repeat("#", 7<<20)
	payload := emailPayload()
	payload.Metadata = map[string]any{
		"attachments": []any{
			map[string]any{"filename": "a.csv", "content": chunk},
			map[string]any{"filename": "b.csv", "content": chunk},
			map[string]any{"filename": "c.csv", "content": chunk},
		},
	}
	_, err := handler.compose(payload, emailConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "email exceeds 25 MiB limit")
}

func TestComposeDataAttachment(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	payload := emailPayload()
	payload.Data = json.RawMessage(`{"filename":"export.csv","content":"aWQsbmFtZQ=="}`)
	msg, err := handler.compose(payload, emailConfig())
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "export.csv", msg.Attachments[0].Filename)
	require.Equal(t, "text/csv", msg.Attachments[0].ContentType)
	require.Equal(t, "id,name", string(msg.Attachments[0].Content))
}

func TestSMTPTransportFromConfig(t *testing.T) {
	sender := smtpSender(&destination.SMTPConfig{
		Host:   "mail.example.com",
		Port:   465,
		Secure: true,
		User:   "audit",
		Pass:   "hunter22",
	})
	require.Equal(t, "mail.example.com:465", sender.ServerAddress)
	require.True(t, sender.ForceTLS)
	require.NotNil(t, sender.Auth)
	require.Equal(t, defaultConnectTimeout, sender.ConnectTimeout)

	// no credentials, no AUTH
	sender = smtpSender(&destination.SMTPConfig{Host: "mail.example.com", Port: 25})
	require.Nil(t, sender.Auth)
}

func TestLimiterMinuteWindow(t *testing.T) {
	limiter := NewLimiter()
	limiter.Configure("test", RateLimits{
		RequestsPerSecond: 100,
		RequestsPerMinute: 2,
		BurstLimit:        100,
	})

	allowed, _ := limiter.CheckLimit("test")
	require.True(t, allowed)
	allowed, _ = limiter.CheckLimit("test")
	require.True(t, allowed)

	allowed, resetAfter := limiter.CheckLimit("test")
	require.False(t, allowed)
	require.Greater(t, resetAfter, time.Duration(0))
	require.LessOrEqual(t, resetAfter, time.Minute)
}

func TestLimiterBurst(t *testing.T) {
	limiter := NewLimiter()
	limiter.Configure("test", RateLimits{
		RequestsPerSecond: 1,
		BurstLimit:        1,
	})

	allowed, _ := limiter.CheckLimit("test")
	require.True(t, allowed)
	allowed, resetAfter := limiter.CheckLimit("test")
	require.False(t, allowed)
	require.Equal(t, time.Second, resetAfter)
}

func TestLimiterUnknownProvider(t *testing.T) {
	limiter := NewLimiter()
	allowed, _ := limiter.CheckLimit("unconfigured")
	require.True(t, allowed)
}

func TestDeliverRateLimited(t *testing.T) {
	handler := NewHandler(zaptest.NewLogger(t), Config{})
	defer func() { _ = handler.Close() }()

	// exhaust the sendgrid minute window locally
	limits := RateLimits{RequestsPerSecond: 100, RequestsPerMinute: 1, BurstLimit: 100}
	handler.limiter.Configure("sendgrid", limits)
	allowed, _ := handler.limiter.CheckLimit("sendgrid")
	require.True(t, allowed)

	result := handler.Deliver(context.Background(), emailPayload(), destination.Destination{
		Type:   destination.TypeEmail,
		Config: destination.Config{Email: emailConfig()},
	})
	require.False(t, result.Success)
	require.True(t, result.Retryable)
	require.Contains(t, result.Error, "rate limit exceeded")
}
