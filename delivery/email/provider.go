// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package email

import (
	"context"
	"strings"
	"sync"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/private/post"
)

// Provider is an email transport backend.
type Provider interface {
	// Name returns the provider key used in destination configs.
	Name() string
	// Validate checks provider-specific configuration and returns errors.
	Validate(cfg *destination.EmailConfig) []string
	// Send transmits the message and returns the provider's message id.
	Send(ctx context.Context, cfg *destination.EmailConfig, msg *post.Message) (reference string, err error)
	// RateLimits returns the provider's default rate limits.
	RateLimits() RateLimits
}

// ProviderRegistry is the table of provider descriptors, registered at
// startup and keyed by name.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider.
func (r *ProviderRegistry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// Lookup returns the provider for a service name.
func (r *ProviderRegistry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	return provider, ok
}

// Names returns the registered provider names.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// validateAPIKey applies the provider's key prefix hint.
func validateAPIKey(key, prefix, provider string) []string {
	if key == "" {
		return []string{provider + " requires an apiKey"}
	}
	if prefix != "" && !strings.HasPrefix(key, prefix) {
		return []string{provider + " api keys start with " + prefix}
	}
	return nil
}
