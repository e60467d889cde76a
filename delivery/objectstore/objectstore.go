// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package objectstore uploads payloads to S3-compatible object storage.
// Native S3 and GCS interoperability endpoints are supported directly;
// Azure is reached through an S3-compatible gateway endpoint.
package objectstore

import (
	"bytes"
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
)

var (
	mon = monkit.Package()

	// Error is the default objectstore errs class.
	Error = errs.Class("objectstore")
)

// Config contains object storage handler settings.
type Config struct {
	DefaultTimeout time.Duration `help:"upload timeout per delivery" default:"60s"`
}

// Handler uploads payloads to object storage buckets.
//
// architecture: Endpoint
type Handler struct {
	log    *zap.Logger
	config Config

	mu      sync.Mutex
	clients map[string]*minio.Client
}

// NewHandler creates an object storage handler.
func NewHandler(log *zap.Logger, config Config) *Handler {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	return &Handler{
		log:     log,
		config:  config,
		clients: make(map[string]*minio.Client),
	}
}

// Kind implements destination.Handler.
func (h *Handler) Kind() destination.Type { return destination.TypeStorage }

// SupportsFeature implements destination.Handler.
func (h *Handler) SupportsFeature(feature destination.Feature) bool {
	switch feature {
	case destination.FeatureRetryWithBackoff, destination.FeatureConnectionPooling:
		return true
	}
	return false
}

// ValidateConfig implements destination.Handler.
func (h *Handler) ValidateConfig(ctx context.Context, config destination.Config) destination.ValidationResult {
	result := config.Validate(destination.TypeStorage)
	if !result.Valid || config.Storage == nil {
		return result
	}
	if config.Storage.AccessKey == "" || config.Storage.SecretKey == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "accessKey and secretKey are required")
	}
	return result
}

// ConfigSchema implements destination.Handler.
func (h *Handler) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"provider", "bucket", "accessKey", "secretKey"},
		"properties": map[string]any{
			"provider":  map[string]any{"type": "string", "enum": []string{"s3", "gcp", "azure"}},
			"bucket":    map[string]any{"type": "string"},
			"region":    map[string]any{"type": "string"},
			"path":      map[string]any{"type": "string"},
			"endpoint":  map[string]any{"type": "string"},
			"accessKey": map[string]any{"type": "string"},
			"secretKey": map[string]any{"type": "string"},
		},
	}
}

// TestConnection implements destination.Handler. It checks that the bucket
// exists and is reachable with the configured credentials.
func (h *Handler) TestConnection(ctx context.Context, config destination.Config) destination.TestResult {
	result := h.ValidateConfig(ctx, config)
	if !result.Valid {
		return destination.TestResult{Error: strings.Join(result.Errors, "; ")}
	}
	cfg := config.Storage

	start := time.Now()
	client, err := h.client(cfg)
	if err != nil {
		return destination.TestResult{ResponseTime: time.Since(start), Error: err.Error()}
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	elapsed := time.Since(start)
	if err != nil {
		return destination.TestResult{ResponseTime: elapsed, Error: err.Error()}
	}
	if !exists {
		return destination.TestResult{ResponseTime: elapsed, Error: "bucket " + cfg.Bucket + " does not exist"}
	}
	return destination.TestResult{
		Success:      true,
		ResponseTime: elapsed,
		Details:      map[string]any{"bucket": cfg.Bucket, "provider": cfg.Provider},
	}
}

// Deliver implements destination.Handler. The payload is stored as a
// pretty-printed JSON object; the object key is returned as the
// cross-system reference.
func (h *Handler) Deliver(ctx context.Context, payload destination.Payload, dest destination.Destination) (result destination.Result) {
	defer mon.Task()(&ctx)(nil)

	cfg := dest.Config.Storage
	if cfg == nil {
		return destination.Result{Error: "invalid config: storage config missing"}
	}

	now := time.Now().UTC()
	content, err := payload.Envelope(now).MarshalIndent()
	if err != nil {
		return destination.Result{Error: err.Error()}
	}
	key := ObjectKey(cfg.Path, payload, now)

	client, err := h.client(cfg)
	if err != nil {
		return destination.Result{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.DefaultTimeout)
	defer cancel()

	start := time.Now()
	_, err = client.PutObject(ctx, cfg.Bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/json"})
	elapsed := time.Since(start)
	if err != nil {
		message := uploadError(err)
		return destination.Result{
			ResponseTime: elapsed,
			Error:        message,
			Retryable:    retry.RetryableMessage(message),
		}
	}

	deliveredAt := time.Now().UTC()
	return destination.Result{
		Success:              true,
		ResponseTime:         elapsed,
		DeliveredAt:          &deliveredAt,
		CrossSystemReference: cfg.Bucket + "/" + key,
	}
}

// client returns a cached minio client for the config's endpoint and
// credentials.
func (h *Handler) client(cfg *destination.StorageConfig) (*minio.Client, error) {
	endpoint, err := resolveEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	key := secrets.Fingerprint(endpoint, cfg.AccessKey, cfg.Region)

	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[key]; ok {
		return client, nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: true,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, Error.New("invalid config: %v", err)
	}
	h.clients[key] = client
	return client, nil
}

// resolveEndpoint maps the provider to its S3-compatible endpoint.
func resolveEndpoint(cfg *destination.StorageConfig) (string, error) {
	if cfg.Endpoint != "" {
		return strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://"), nil
	}
	switch cfg.Provider {
	case "s3":
		if cfg.Region != "" {
			return "s3." + cfg.Region + ".amazonaws.com", nil
		}
		return "s3.amazonaws.com", nil
	case "gcp":
		return "storage.googleapis.com", nil
	case "azure":
		return "", Error.New("invalid config: azure requires an S3-compatible gateway endpoint")
	}
	return "", Error.New("invalid config: unknown provider %q", cfg.Provider)
}

// uploadError folds minio error responses into messages the retry
// classifier understands.
func uploadError(err error) string {
	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case 401, 403:
		return "authentication failed: " + err.Error()
	case 404:
		return "destination not found: " + err.Error()
	}
	return err.Error()
}

// ObjectKey builds the object key for a payload under the configured prefix.
func ObjectKey(prefix string, payload destination.Payload, now time.Time) string {
	name := payload.DeliveryID + "-" + now.Format("20060102T150405Z") + ".json"
	return path.Join(strings.Trim(prefix, "/"), payload.OrganizationID, payload.Type, name)
}
