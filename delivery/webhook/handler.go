// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
)

// maxResponseBody bounds how much of a receiver response is read when
// extracting the cross-system reference.
const maxResponseBody = 64 << 10

// referenceHeaders are checked in order for the cross-system reference.
var referenceHeaders = []string{"X-Request-Id", "X-Correlation-Id", "X-Trace-Id"}

// referenceFields are the body fields checked when no header matched.
var referenceFields = []string{"id", "requestId", "correlationId", "traceId", "reference"}

// Config contains webhook handler settings.
type Config struct {
	UserAgent      string        `help:"user agent sent with webhook requests" default:"smedrec-delivery/1.0"`
	DefaultTimeout time.Duration `help:"request timeout when the destination does not set one" default:"30s"`
}

// Handler delivers payloads to HTTP webhook destinations.
//
// architecture: Endpoint
type Handler struct {
	log     *zap.Logger
	client  *http.Client
	secrets *secrets.Manager
	config  Config
}

// NewHandler creates a webhook handler. The secret manager may be nil when
// payload signing is disabled.
func NewHandler(log *zap.Logger, secretManager *secrets.Manager, config Config) *Handler {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "smedrec-delivery/1.0"
	}
	return &Handler{
		log: log,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		secrets: secretManager,
		config:  config,
	}
}

// Kind implements destination.Handler.
func (h *Handler) Kind() destination.Type { return destination.TypeWebhook }

// ValidateConfig implements destination.Handler.
func (h *Handler) ValidateConfig(ctx context.Context, config destination.Config) destination.ValidationResult {
	return config.Validate(destination.TypeWebhook)
}

// SupportsFeature implements destination.Handler.
func (h *Handler) SupportsFeature(feature destination.Feature) bool {
	switch feature {
	case destination.FeatureSignatureVerification,
		destination.FeatureIdempotency,
		destination.FeatureRetryWithBackoff,
		destination.FeatureConnectionPooling:
		return true
	}
	return false
}

// ConfigSchema implements destination.Handler.
func (h *Handler) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "format": "uri"},
			"method":  map[string]any{"type": "string", "enum": []string{"POST", "PUT"}},
			"headers": map[string]any{"type": "object"},
			"timeout": map[string]any{"type": "integer", "minimum": 1000, "maximum": 300000},
			"retryConfig": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"maxRetries":        map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
					"backoffMultiplier": map[string]any{"type": "number", "minimum": 1, "maximum": 10},
					"maxBackoffDelay":   map[string]any{"type": "integer", "minimum": 1000, "maximum": 3600000},
				},
			},
		},
	}
}

// TestConnection implements destination.Handler. Reaching the endpoint
// counts as success even when it rejects the probe payload; only transport
// failures and server errors fail the probe.
func (h *Handler) TestConnection(ctx context.Context, config destination.Config) destination.TestResult {
	cfg := config.Webhook
	if cfg == nil {
		return destination.TestResult{Error: "webhook config missing"}
	}

	probe := destination.Payload{
		DeliveryID: "test-connection",
		Type:       "connection.test",
		Data:       json.RawMessage(`{}`),
	}
	envelope := probe.Envelope(time.Now())
	body, err := envelope.Marshal()
	if err != nil {
		return destination.TestResult{Error: err.Error()}
	}

	start := time.Now()
	resp, err := h.send(ctx, cfg, probe, body, nil, envelope.Timestamp)
	elapsed := time.Since(start)
	if err != nil {
		return destination.TestResult{ResponseTime: elapsed, Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return destination.TestResult{
		Success:      resp.StatusCode < 500,
		ResponseTime: elapsed,
		Details:      map[string]any{"statusCode": resp.StatusCode},
	}
}

// Deliver implements destination.Handler.
func (h *Handler) Deliver(ctx context.Context, payload destination.Payload, dest destination.Destination) destination.Result {
	cfg := dest.Config.Webhook
	if cfg == nil {
		return destination.Result{Error: "invalid config: webhook config missing"}
	}

	now := time.Now()
	envelope := payload.Envelope(now)
	body, err := envelope.Marshal()
	if err != nil {
		return destination.Result{Error: "invalid payload: " + err.Error()}
	}

	signed, err := h.signature(ctx, dest.ID, body)
	if err != nil {
		h.log.Warn("payload signing failed, sending unsigned",
			zap.String("delivery_id", payload.DeliveryID), zap.Error(err))
		signed = nil
	}

	start := time.Now()
	resp, err := h.send(ctx, cfg, payload, body, signed, envelope.Timestamp)
	elapsed := time.Since(start)
	if err != nil {
		return destination.Result{
			ResponseTime: elapsed,
			Error:        err.Error(),
			Retryable:    retry.RetryableMessage(err.Error()),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	reference := extractReference(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		deliveredAt := time.Now().UTC()
		return destination.Result{
			Success:              true,
			ResponseTime:         elapsed,
			DeliveredAt:          &deliveredAt,
			CrossSystemReference: reference,
			StatusCode:           resp.StatusCode,
		}
	}

	return destination.Result{
		ResponseTime:         elapsed,
		CrossSystemReference: reference,
		StatusCode:           resp.StatusCode,
		Error:                "webhook returned status " + resp.Status,
		Retryable:            retry.RetryableStatus(resp.StatusCode),
	}
}

type signatureHeaders struct {
	signature string
	algorithm string
	secretID  string
}

// signature signs the canonical body with the destination's primary active
// secret, when one exists.
func (h *Handler) signature(ctx context.Context, destinationID string, body []byte) (*signatureHeaders, error) {
	if h.secrets == nil {
		return nil, nil
	}
	active, err := h.secrets.GetActiveSecrets(ctx, destinationID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	primary := active[0]
	sig, err := Sign(primary.Algorithm, primary.SecretKey, body)
	if err != nil {
		return nil, err
	}
	return &signatureHeaders{
		signature: sig,
		algorithm: primary.Algorithm,
		secretID:  primary.ID,
	}, nil
}

func (h *Handler) send(ctx context.Context, cfg *destination.WebhookConfig, payload destination.Payload, body []byte, signed *signatureHeaders, timestamp string) (*http.Response, error) {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = h.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.config.UserAgent)
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	req.Header.Set("X-Delivery-ID", payload.DeliveryID)
	req.Header.Set("X-Organization-ID", payload.OrganizationID)
	req.Header.Set("X-Correlation-ID", payload.CorrelationID)
	req.Header.Set("X-Timestamp", timestamp)
	if signed != nil {
		req.Header.Set("X-Signature", signed.signature)
		req.Header.Set("X-Algorithm", signed.algorithm)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if signed != nil {
		// usage tracking is best effort
		if err := h.secrets.RecordUse(ctx, signed.secretID); err != nil {
			h.log.Debug("secret usage tracking failed", zap.Error(err))
		}
	}
	return resp, nil
}

// extractReference pulls the downstream system's identifier from well-known
// response headers, falling back to common body fields.
func extractReference(resp *http.Response) string {
	for _, header := range referenceHeaders {
		if value := resp.Header.Get(header); value != "" {
			return value
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	for _, field := range referenceFields {
		if value, ok := fields[field].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
