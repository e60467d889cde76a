// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package downloads

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

// Handler creates download links instead of contacting a remote system.
// A delivery succeeds when the link row was created and is valid.
//
// architecture: Endpoint
type Handler struct {
	log     *zap.Logger
	manager *Manager
}

// NewHandler creates a download handler backed by the manager.
func NewHandler(log *zap.Logger, manager *Manager) *Handler {
	return &Handler{log: log, manager: manager}
}

// Kind implements destination.Handler.
func (h *Handler) Kind() destination.Type { return destination.TypeDownload }

// SupportsFeature implements destination.Handler.
func (h *Handler) SupportsFeature(feature destination.Feature) bool {
	return feature == destination.FeatureIdempotency
}

// ValidateConfig implements destination.Handler.
func (h *Handler) ValidateConfig(ctx context.Context, config destination.Config) destination.ValidationResult {
	return config.Validate(destination.TypeDownload)
}

// ConfigSchema implements destination.Handler.
func (h *Handler) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"ttlSeconds"},
		"properties": map[string]any{
			"ttlSeconds": map[string]any{"type": "integer", "minimum": 1},
			"maxAccess":  map[string]any{"type": "integer", "minimum": 0},
		},
	}
}

// TestConnection implements destination.Handler. Links are local rows, so
// only the configuration is checked.
func (h *Handler) TestConnection(ctx context.Context, config destination.Config) destination.TestResult {
	result := h.ValidateConfig(ctx, config)
	if !result.Valid {
		return destination.TestResult{Error: "invalid config"}
	}
	return destination.TestResult{Success: true}
}

// Deliver implements destination.Handler by creating a link row. The link
// id is returned as the cross-system reference.
func (h *Handler) Deliver(ctx context.Context, payload destination.Payload, dest destination.Destination) destination.Result {
	cfg := dest.Config.Download
	if cfg == nil {
		return destination.Result{Error: "invalid config: download config missing"}
	}

	now := time.Now().UTC()
	content, err := payload.Envelope(now).MarshalIndent()
	if err != nil {
		return destination.Result{Error: err.Error()}
	}
	fileName := payload.DeliveryID + ".json"

	start := time.Now()
	link, err := h.manager.CreateLink(ctx,
		payload.OrganizationID, payload.DeliveryID, payload.Type,
		fileName, int64(len(content)), cfg.TTL.Duration(), cfg.MaxAccess)
	elapsed := time.Since(start)
	if err != nil {
		return destination.Result{
			ResponseTime: elapsed,
			Error:        err.Error(),
			Retryable:    true,
		}
	}

	deliveredAt := time.Now().UTC()
	return destination.Result{
		Success:              true,
		ResponseTime:         elapsed,
		DeliveredAt:          &deliveredAt,
		CrossSystemReference: link.ID,
	}
}
