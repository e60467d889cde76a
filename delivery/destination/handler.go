// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package destination

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Payload is the immutable envelope dispatched to one destination.
type Payload struct {
	DeliveryID     string
	OrganizationID string
	Type           string
	Data           json.RawMessage
	Metadata       map[string]any
	CorrelationID  string
	IdempotencyKey string
}

// Envelope is the deterministic wire representation of a payload. Handlers
// must produce exactly these bytes for signing and transmission.
type Envelope struct {
	DeliveryID     string          `json:"delivery_id"`
	OrganizationID string          `json:"organization_id"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	Metadata       map[string]any  `json:"metadata"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      string          `json:"timestamp"`
}

// Envelope converts the payload into its wire form stamped at the given time.
func (p Payload) Envelope(now time.Time) Envelope {
	return Envelope{
		DeliveryID:     p.DeliveryID,
		OrganizationID: p.OrganizationID,
		Type:           p.Type,
		Data:           p.Data,
		Metadata:       p.Metadata,
		CorrelationID:  p.CorrelationID,
		IdempotencyKey: p.IdempotencyKey,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
}

// Marshal returns the canonical JSON bytes of the envelope. encoding/json
// sorts map keys, so the output is deterministic for a given envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// MarshalIndent returns the pretty-printed form used for file uploads.
func (e Envelope) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// Result is the structured outcome of one delivery attempt. Handlers always
// return a Result; they never panic or leak errors across the boundary.
type Result struct {
	Success              bool
	ResponseTime         time.Duration
	DeliveredAt          *time.Time
	CrossSystemReference string
	StatusCode           int
	Error                string
	Retryable            bool
}

// TestResult is the outcome of probing a destination configuration.
type TestResult struct {
	Success      bool
	ResponseTime time.Duration
	Error        string
	Details      map[string]any
}

// Feature identifies an optional handler capability.
type Feature string

// Handler capabilities.
const (
	FeatureSignatureVerification Feature = "signature_verification"
	FeatureIdempotency           Feature = "idempotency"
	FeatureRetryWithBackoff      Feature = "retry_with_backoff"
	FeatureConnectionPooling     Feature = "connection_pooling"
	FeatureRateLimiting          Feature = "rate_limiting"
)

// Handler is a protocol adapter for one destination type. Implementations
// must be safe for concurrent use.
type Handler interface {
	// Kind returns the destination type this handler serves.
	Kind() Type
	// ValidateConfig checks a configuration without contacting the endpoint.
	ValidateConfig(ctx context.Context, config Config) ValidationResult
	// TestConnection probes the endpoint described by the configuration.
	TestConnection(ctx context.Context, config Config) TestResult
	// Deliver dispatches the payload to the destination.
	Deliver(ctx context.Context, payload Payload, dest Destination) Result
	// SupportsFeature reports whether the handler implements the feature.
	SupportsFeature(feature Feature) bool
	// ConfigSchema returns a JSON-schema-shaped description of the config.
	ConfigSchema() map[string]any
}

// Registry holds the handlers registered at startup, keyed by type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register adds a handler. Registering the same type twice is a mistake in
// peer wiring and overwrites the earlier handler.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Kind()] = handler
}

// Lookup returns the handler for the given type.
func (r *Registry) Lookup(typ Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[typ]
	return handler, ok
}

// Types returns the registered destination types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	return types
}
