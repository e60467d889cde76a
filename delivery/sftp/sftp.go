// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package sftp uploads payloads as files to SFTP servers over pooled SSH
// connections, with filename templating and a post-upload integrity check.
package sftp

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
)

var (
	mon = monkit.Package()

	// Error is the default sftp errs class.
	Error = errs.Class("sftp")
)

// DefaultFilenamePattern names uploaded files when no pattern is configured.
const DefaultFilenamePattern = "delivery-{deliveryId}-{timestamp}.json"

// Config contains sftp handler settings.
type Config struct {
	PoolSize       int           `help:"pooled sessions per host and user" default:"10"`
	DefaultTimeout time.Duration `help:"upload timeout per delivery" default:"60s"`
}

// Handler uploads payloads over SFTP.
//
// architecture: Endpoint
type Handler struct {
	log    *zap.Logger
	pools  *poolSet
	config Config
}

// NewHandler creates an SFTP handler.
func NewHandler(log *zap.Logger, config Config) *Handler {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	return &Handler{
		log:    log,
		pools:  newPoolSet(config.PoolSize),
		config: config,
	}
}

// Close releases pooled SFTP sessions.
func (h *Handler) Close() error {
	h.pools.close()
	return nil
}

// Kind implements destination.Handler.
func (h *Handler) Kind() destination.Type { return destination.TypeSFTP }

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
	result := config.Validate(destination.TypeSFTP)
	if !result.Valid || config.SFTP == nil {
		return result
	}
	if config.SFTP.PrivateKey != "" {
		if _, err := authMethods(config.SFTP); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, "privateKey is not a parseable SSH key")
		}
	}
	return result
}

// ConfigSchema implements destination.Handler.
func (h *Handler) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"host", "port", "username", "path"},
		"properties": map[string]any{
			"host":       map[string]any{"type": "string"},
			"port":       map[string]any{"type": "integer", "minimum": 1, "maximum": 65535},
			"username":   map[string]any{"type": "string"},
			"password":   map[string]any{"type": "string"},
			"privateKey": map[string]any{"type": "string"},
			"path":       map[string]any{"type": "string", "pattern": "^/"},
			"filename":   map[string]any{"type": "string"},
		},
	}
}

// TestConnection implements destination.Handler. It dials, authenticates,
// and stats the target directory.
func (h *Handler) TestConnection(ctx context.Context, config destination.Config) destination.TestResult {
	result := h.ValidateConfig(ctx, config)
	if !result.Valid {
		return destination.TestResult{Error: strings.Join(result.Errors, "; ")}
	}
	cfg := config.SFTP

	start := time.Now()
	c, err := dial(ctx, cfg)
	if err != nil {
		return destination.TestResult{ResponseTime: time.Since(start), Error: err.Error()}
	}
	defer c.close()

	info, err := c.sftp.Stat(cfg.Path)
	elapsed := time.Since(start)
	if err != nil {
		return destination.TestResult{
			Success:      true,
			ResponseTime: elapsed,
			Details:      map[string]any{"path": cfg.Path, "pathExists": false},
		}
	}
	return destination.TestResult{
		Success:      true,
		ResponseTime: elapsed,
		Details:      map[string]any{"path": cfg.Path, "pathExists": true, "isDir": info.IsDir()},
	}
}

// Deliver implements destination.Handler. The payload is uploaded as a
// pretty-printed JSON file; a post-upload stat verifies the written size.
func (h *Handler) Deliver(ctx context.Context, payload destination.Payload, dest destination.Destination) (result destination.Result) {
	defer mon.Task()(&ctx)(nil)

	cfg := dest.Config.SFTP
	if cfg == nil {
		return destination.Result{Error: "invalid config: sftp config missing"}
	}

	now := time.Now().UTC()
	content, err := payload.Envelope(now).MarshalIndent()
	if err != nil {
		return destination.Result{Error: err.Error()}
	}
	remotePath := path.Join(cfg.Path, ExpandFilename(cfg.Filename, payload, now))

	ctx, cancel := context.WithTimeout(ctx, h.config.DefaultTimeout)
	defer cancel()

	start := time.Now()
	err = h.upload(ctx, cfg, remotePath, content)
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
		CrossSystemReference: remotePath,
	}
}

// upload writes the file over a pooled session, creating parent directories
// as needed and verifying the written size.
func (h *Handler) upload(ctx context.Context, cfg *destination.SFTPConfig, remotePath string, content []byte) error {
	pool := h.pools.get(cfg)
	c, err := pool.acquire(ctx)
	if err != nil {
		return err
	}

	err = func() error {
		if err := c.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
			return Error.New("cannot create directory %s: %v", path.Dir(remotePath), err)
		}

		file, err := c.sftp.Create(remotePath)
		if err != nil {
			return Error.New("cannot create %s: %v", remotePath, err)
		}
		if _, err := file.Write(content); err != nil {
			_ = file.Close()
			return Error.New("write failed: %v", err)
		}
		if err := file.Close(); err != nil {
			return Error.New("write failed: %v", err)
		}
		_ = c.sftp.Chmod(remotePath, 0644)

		info, err := c.sftp.Stat(remotePath)
		if err != nil {
			return Error.New("integrity check failed: cannot stat %s: %v", remotePath, err)
		}
		if info.Size() != int64(len(content)) {
			// A size mismatch means the server truncated or mangled the
			// upload; retrying the same bytes will not help.
			return Error.New("integrity check failed: wrote %d bytes, remote has %d", len(content), info.Size())
		}
		return nil
	}()

	pool.release(c, err != nil)
	return err
}

// ExpandFilename substitutes the supported placeholders into a filename
// pattern. An empty pattern uses DefaultFilenamePattern.
func ExpandFilename(pattern string, payload destination.Payload, now time.Time) string {
	if pattern == "" {
		pattern = DefaultFilenamePattern
	}
	replacer := strings.NewReplacer(
		"{deliveryId}", payload.DeliveryID,
		"{organizationId}", payload.OrganizationID,
		"{type}", payload.Type,
		"{timestamp}", now.Format("20060102T150405Z"),
	)
	return replacer.Replace(pattern)
}
