// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package email delivers payloads as email through SMTP or API providers,
// with per-provider rate limits, pooled SMTP connections, and template
// rendering of subject and body.
package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
	"github.com/smedrec/smart-logs-sub005/delivery/template"
	"github.com/smedrec/smart-logs-sub005/private/post"
)

var (
	mon = monkit.Package()

	// Error is the default email errs class.
	Error = errs.Class("email")
	// ErrRateLimited marks deliveries denied by the local rate limiter.
	ErrRateLimited = errs.Class("rate limited")
)

// Size and count limits for outgoing email.
const (
	MaxAttachmentSize = 10 << 20 // 10 MiB per attachment
	MaxEmailSize      = 25 << 20 // 25 MiB total
	MaxAttachments    = 10
)

// windowsReserved are device names that must not be used as filenames.
var windowsReserved = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[1-9]|lpt[1-9])(\..*)?$`)

// unsafeChars are forbidden in attachment filenames.
const unsafeChars = `<>:"|?*`

// UnsafeFilename reports whether an attachment filename is rejected:
// path traversal, separators, Windows reserved names, leading dots, and
// shell-hostile characters.
func UnsafeFilename(name string) bool {
	if name == "" {
		return true
	}
	if strings.Contains(name, "..") {
		return true
	}
	if strings.ContainsAny(name, unsafeChars) {
		return true
	}
	if strings.ContainsAny(name, `/\`) {
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	if windowsReserved.MatchString(name) {
		return true
	}
	return false
}

// Config contains email handler settings.
type Config struct {
	DefaultTimeout time.Duration `help:"delivery timeout per email" default:"30s"`
	SMTPPoolSize   int           `help:"pooled connections per smtp credential" default:"5"`
}

// Handler delivers payloads as email.
//
// architecture: Endpoint
type Handler struct {
	log       *zap.Logger
	providers *ProviderRegistry
	limiter   *Limiter
	smtp      *smtpProvider
	config    Config
}

// NewHandler creates an email handler with all providers registered and
// their rate limits installed.
func NewHandler(log *zap.Logger, config Config) *Handler {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}

	smtpProv := newSMTPProvider(config.SMTPPoolSize)
	registry := NewProviderRegistry()
	limiter := NewLimiter()
	for _, provider := range []Provider{
		smtpProv,
		newSendGridProvider(),
		newResendProvider(),
		newSESProvider(),
	} {
		registry.Register(provider)
		limiter.Configure(provider.Name(), provider.RateLimits())
	}

	return &Handler{
		log:       log,
		providers: registry,
		limiter:   limiter,
		smtp:      smtpProv,
		config:    config,
	}
}

// Close releases pooled SMTP connections.
func (h *Handler) Close() error {
	h.smtp.close()
	return nil
}

// Kind implements destination.Handler.
func (h *Handler) Kind() destination.Type { return destination.TypeEmail }

// SupportsFeature implements destination.Handler.
func (h *Handler) SupportsFeature(feature destination.Feature) bool {
	switch feature {
	case destination.FeatureRetryWithBackoff,
		destination.FeatureConnectionPooling,
		destination.FeatureRateLimiting:
		return true
	}
	return false
}

// ValidateConfig implements destination.Handler.
func (h *Handler) ValidateConfig(ctx context.Context, config destination.Config) destination.ValidationResult {
	result := config.Validate(destination.TypeEmail)
	if !result.Valid || config.Email == nil {
		return result
	}
	provider, ok := h.providers.Lookup(config.Email.Service)
	if !ok {
		result.Valid = false
		result.Errors = append(result.Errors, "unknown email service "+config.Email.Service)
		return result
	}
	if errors := provider.Validate(config.Email); len(errors) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, errors...)
	}
	return result
}

// ConfigSchema implements destination.Handler.
func (h *Handler) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"service", "from", "subject"},
		"properties": map[string]any{
			"service":        map[string]any{"type": "string", "enum": h.providers.Names()},
			"from":           map[string]any{"type": "string", "format": "email"},
			"subject":        map[string]any{"type": "string", "maxLength": 998},
			"bodyTemplate":   map[string]any{"type": "string"},
			"attachmentName": map[string]any{"type": "string"},
			"recipients": map[string]any{
				"type": "array", "items": map[string]any{"type": "string", "format": "email"},
				"maxItems": destination.MaxRecipients,
			},
			"smtpConfig": map[string]any{"type": "object"},
			"apiKey":     map[string]any{"type": "string"},
		},
	}
}

// TestConnection implements destination.Handler. SMTP configs are probed by
// dialing and authenticating; API providers are checked for credential
// shape only.
func (h *Handler) TestConnection(ctx context.Context, config destination.Config) destination.TestResult {
	result := h.ValidateConfig(ctx, config)
	if !result.Valid {
		return destination.TestResult{Error: strings.Join(result.Errors, "; ")}
	}
	cfg := config.Email

	start := time.Now()
	if cfg.Service == "smtp" {
		client, err := smtpSender(cfg.SMTP).Dial(ctx)
		elapsed := time.Since(start)
		if err != nil {
			return destination.TestResult{ResponseTime: elapsed, Error: err.Error()}
		}
		_ = client.Quit()
		return destination.TestResult{Success: true, ResponseTime: elapsed}
	}

	return destination.TestResult{
		Success:      true,
		ResponseTime: time.Since(start),
		Details:      map[string]any{"checked": "credential format only"},
	}
}

// Deliver implements destination.Handler.
func (h *Handler) Deliver(ctx context.Context, payload destination.Payload, dest destination.Destination) destination.Result {
	cfg := dest.Config.Email
	if cfg == nil {
		return destination.Result{Error: "invalid config: email config missing"}
	}
	provider, ok := h.providers.Lookup(cfg.Service)
	if !ok {
		return destination.Result{Error: "invalid config: unknown email service " + cfg.Service}
	}

	if allowed, resetAfter := h.limiter.CheckLimit(provider.Name()); !allowed {
		return destination.Result{
			Error:     fmt.Sprintf("rate limit exceeded for %s, resets in %s", provider.Name(), resetAfter.Round(time.Millisecond)),
			Retryable: true,
		}
	}

	msg, err := h.compose(payload, cfg)
	if err != nil {
		return destination.Result{Error: "validation failed: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.DefaultTimeout)
	defer cancel()

	start := time.Now()
	reference, err := provider.Send(ctx, cfg, msg)
	elapsed := time.Since(start)
	if err != nil {
		return destination.Result{
			ResponseTime: elapsed,
			Error:        err.Error(),
			Retryable:    retry.RetryableMessage(err.Error()),
		}
	}

	deliveredAt := time.Now().UTC()
	return destination.Result{
		Success:              true,
		ResponseTime:         elapsed,
		DeliveredAt:          &deliveredAt,
		CrossSystemReference: reference,
	}
}

// compose renders the message from the payload and config, enforcing
// recipient and attachment limits.
func (h *Handler) compose(payload destination.Payload, cfg *destination.EmailConfig) (*post.Message, error) {
	rcpts := template.ValidateRecipients(cfg.Recipients, destination.MaxRecipients)
	if !rcpts.Valid {
		return nil, Error.New("invalid payload: %s", strings.Join(rcpts.Errors, "; "))
	}
	if len(cfg.Recipients) == 0 {
		return nil, Error.New("invalid config: no recipients configured")
	}

	context := templateContext(payload)
	opts := template.Options{}

	subject, err := template.Process(cfg.Subject, context, opts)
	if err != nil {
		return nil, err
	}

	bodyTemplate := cfg.BodyTemplate
	if bodyTemplate == "" {
		bodyTemplate = "Delivery {{deliveryId}} of type {{type}} from organization {{organizationId}}."
	}
	body, err := template.Process(bodyTemplate, context, opts)
	if err != nil {
		return nil, err
	}

	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, Error.New("invalid config: bad from address: %v", err)
	}
	to := make([]post.Address, 0, len(cfg.Recipients))
	for _, rcpt := range cfg.Recipients {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return nil, Error.New("invalid payload: bad recipient %q", rcpt)
		}
		to = append(to, *addr)
	}

	attachments, err := collectAttachments(payload, cfg)
	if err != nil {
		return nil, err
	}

	msg := &post.Message{
		From:    *from,
		To:      to,
		Subject: subject,
		Headers: map[string]string{
			"X-Delivery-ID":     payload.DeliveryID,
			"X-Organization-ID": payload.OrganizationID,
			"X-Correlation-ID":  payload.CorrelationID,
		},
		PlainText:   body,
		Attachments: attachments,
	}

	if msg.Size() > MaxEmailSize {
		return nil, Error.New("validation failed: email exceeds 25 MiB limit")
	}
	return msg, nil
}

func templateContext(payload destination.Payload) map[string]any {
	var data any
	if len(payload.Data) > 0 {
		_ = json.Unmarshal(payload.Data, &data)
	}
	metadata := map[string]any{}
	for key, value := range payload.Metadata {
		metadata[key] = value
	}
	return map[string]any{
		"deliveryId":     payload.DeliveryID,
		"organizationId": payload.OrganizationID,
		"type":           payload.Type,
		"data":           data,
		"metadata":       metadata,
		"correlationId":  payload.CorrelationID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
}

// collectAttachments derives attachments from payload data, metadata, and
// the configured attachment name, enforcing the safety rules.
func collectAttachments(payload destination.Payload, cfg *destination.EmailConfig) ([]post.Attachment, error) {
	var attachments []post.Attachment

	appendAttachment := func(filename, contentType string, content []byte) error {
		if UnsafeFilename(filename) {
			return Error.New("validation failed: unsafe attachment filename %q", filename)
		}
		if len(content) > MaxAttachmentSize {
			return Error.New("validation failed: attachment %q exceeds 10 MiB limit", filename)
		}
		if len(attachments) >= MaxAttachments {
			return Error.New("validation failed: more than %d attachments", MaxAttachments)
		}
		attachments = append(attachments, post.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Content:     content,
		})
		return nil
	}

	// explicit content+filename in payload data
	var data map[string]any
	if len(payload.Data) > 0 && json.Unmarshal(payload.Data, &data) == nil {
		filename, hasName := data["filename"].(string)
		content, hasContent := data["content"].(string)
		if hasName && hasContent {
			if err := appendAttachment(filename, contentTypeFor(filename), decodeContent(content)); err != nil {
				return nil, err
			}
		}
	}

	// attachments listed in metadata
	if listed, ok := payload.Metadata["attachments"].([]any); ok {
		for _, entry := range listed {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			filename, _ := fields["filename"].(string)
			content, _ := fields["content"].(string)
			contentType, _ := fields["contentType"].(string)
			if contentType == "" {
				contentType = contentTypeFor(filename)
			}
			if err := appendAttachment(filename, contentType, decodeContent(content)); err != nil {
				return nil, err
			}
		}
	}

	// attach the raw payload under the configured name
	if cfg.AttachmentName != "" {
		envelope, err := payload.Envelope(time.Now()).MarshalIndent()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if err := appendAttachment(cfg.AttachmentName, "application/json", envelope); err != nil {
			return nil, err
		}
	}

	return attachments, nil
}

// decodeContent treats the string as base64 when it decodes cleanly,
// otherwise as raw bytes.
func decodeContent(content string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(content); err == nil {
		return decoded
	}
	return []byte(content)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
