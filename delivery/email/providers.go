// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
	"github.com/smedrec/smart-logs-sub005/private/post"
)

// smtpProvider sends through a pooled SMTP connection.
type smtpProvider struct {
	pools *poolSet
}

func newSMTPProvider(poolSize int) *smtpProvider {
	return &smtpProvider{pools: newPoolSet(poolSize)}
}

func (p *smtpProvider) Name() string { return "smtp" }

func (p *smtpProvider) RateLimits() RateLimits {
	return RateLimits{RequestsPerSecond: 5, RequestsPerMinute: 100, RequestsPerHour: 1000, BurstLimit: 10}
}

func (p *smtpProvider) Validate(cfg *destination.EmailConfig) []string {
	if cfg.SMTP == nil {
		return []string{"smtp requires smtpConfig with host, port and auth"}
	}
	var errors []string
	if cfg.SMTP.Host == "" {
		errors = append(errors, "smtpConfig.host is required")
	}
	if cfg.SMTP.Port < 1 || cfg.SMTP.Port > 65535 {
		errors = append(errors, "smtpConfig.port is out of range")
	}
	if cfg.SMTP.User == "" || cfg.SMTP.Pass == "" {
		errors = append(errors, "smtpConfig.auth requires user and pass")
	}
	return errors
}

func (p *smtpProvider) Send(ctx context.Context, cfg *destination.EmailConfig, msg *post.Message) (string, error) {
	smtpCfg := cfg.SMTP
	if smtpCfg == nil {
		return "", Error.New("invalid config: smtpConfig missing")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), smtpCfg.Host)
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	msg.Headers["Message-ID"] = messageID

	sender := smtpSender(smtpCfg)
	key := secrets.Fingerprint("smtp", smtpCfg.Host, strconv.Itoa(smtpCfg.Port), smtpCfg.User, smtpCfg.Pass)
	pool := p.pools.get(key, sender.Dial)

	conn, err := pool.acquire(ctx)
	if err != nil {
		return "", err
	}
	err = post.Send(conn.client, msg)
	pool.release(conn, err != nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return messageID, nil
}

// smtpSender builds the transport for one credential set.
func smtpSender(cfg *destination.SMTPConfig) *post.SMTPSender {
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	return &post.SMTPSender{
		ServerAddress:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Auth:           auth,
		ForceTLS:       cfg.Secure,
		ConnectTimeout: defaultConnectTimeout,
	}
}

// close releases pooled connections. Called on handler shutdown.
func (p *smtpProvider) close() { p.pools.close() }

// httpProvider is the shared machinery of JSON API providers.
type httpProvider struct {
	client *http.Client
}

func newHTTPProvider() httpProvider {
	return httpProvider{client: &http.Client{Timeout: 30 * time.Second}}
}

func (p httpProvider) postJSON(ctx context.Context, url, apiKey string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	return p.client.Do(req)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if !retry.RetryableStatus(resp.StatusCode) {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return Error.New("authentication failed: %s", message)
		}
	}
	return Error.New("%s", message)
}

// sendgridProvider sends through the SendGrid v3 mail API.
type sendgridProvider struct {
	httpProvider
	endpoint string
}

func newSendGridProvider() *sendgridProvider {
	return &sendgridProvider{
		httpProvider: newHTTPProvider(),
		endpoint:     "https://api.sendgrid.com/v3/mail/send",
	}
}

func (p *sendgridProvider) Name() string { return "sendgrid" }

func (p *sendgridProvider) RateLimits() RateLimits {
	return RateLimits{RequestsPerSecond: 10, RequestsPerMinute: 600, RequestsPerHour: 10000, BurstLimit: 20}
}

func (p *sendgridProvider) Validate(cfg *destination.EmailConfig) []string {
	return validateAPIKey(cfg.APIKey, "SG.", "sendgrid")
}

func (p *sendgridProvider) Send(ctx context.Context, cfg *destination.EmailConfig, msg *post.Message) (string, error) {
	tos := make([]map[string]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, map[string]string{"email": to.Address})
	}

	content := []map[string]string{}
	if msg.PlainText != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.PlainText})
	}
	for _, part := range msg.Parts {
		content = append(content, map[string]string{"type": part.Type, "value": part.Content})
	}

	attachments := make([]map[string]string, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, map[string]string{
			"content":  base64.StdEncoding.EncodeToString(att.Content),
			"filename": att.Filename,
			"type":     att.ContentType,
		})
	}

	payload := map[string]any{
		"personalizations": []map[string]any{{"to": tos}},
		"from":             map[string]string{"email": msg.From.Address, "name": msg.From.Name},
		"subject":          msg.Subject,
		"content":          content,
		"headers":          msg.Headers,
	}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}

	resp, err := p.postJSON(ctx, p.endpoint, cfg.APIKey, payload)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	return resp.Header.Get("X-Message-Id"), nil
}

// resendProvider sends through the Resend API.
type resendProvider struct {
	httpProvider
	endpoint string
}

func newResendProvider() *resendProvider {
	return &resendProvider{
		httpProvider: newHTTPProvider(),
		endpoint:     "https://api.resend.com/emails",
	}
}

func (p *resendProvider) Name() string { return "resend" }

func (p *resendProvider) RateLimits() RateLimits {
	return RateLimits{RequestsPerSecond: 10, RequestsPerMinute: 100, RequestsPerHour: 5000, BurstLimit: 10}
}

func (p *resendProvider) Validate(cfg *destination.EmailConfig) []string {
	return validateAPIKey(cfg.APIKey, "re_", "resend")
}

func (p *resendProvider) Send(ctx context.Context, cfg *destination.EmailConfig, msg *post.Message) (string, error) {
	tos := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, to.Address)
	}

	payload := map[string]any{
		"from":    msg.From.String(),
		"to":      tos,
		"subject": msg.Subject,
		"headers": msg.Headers,
	}
	if msg.PlainText != "" {
		payload["text"] = msg.PlainText
	}
	for _, part := range msg.Parts {
		payload["html"] = part.Content
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]map[string]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, map[string]string{
				"filename": att.Filename,
				"content":  base64.StdEncoding.EncodeToString(att.Content),
			})
		}
		payload["attachments"] = attachments
	}

	resp, err := p.postJSON(ctx, p.endpoint, cfg.APIKey, payload)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apiError(resp)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil
	}
	return out.ID, nil
}
