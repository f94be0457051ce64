// Package provider defines the boundary to external conversion-import APIs.
// Adapters classify every outcome exactly once; downstream code trusts the
// classification and never re-interprets provider errors.
package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"conversion-relay/internal/models"
)

// Result statuses an adapter may report.
const (
	StatusSuccess          = "success"
	StatusRetryableFailure = "retryable_failure"
	StatusPermanentFailure = "permanent_failure"
)

// Result is the classified outcome of one upload attempt.
type Result struct {
	Status        string
	ErrorCode     string
	ErrorCategory string // models.Category* values
	Message       string
}

// Success is the zero-friction happy path result.
func Success() Result {
	return Result{Status: StatusSuccess}
}

// Retryable builds a retryable failure with category transient or auth.
func Retryable(category, code, msg string) Result {
	return Result{Status: StatusRetryableFailure, ErrorCategory: category, ErrorCode: code, Message: msg}
}

// Permanent builds a terminal failure with category validation, permanent or
// deterministic_skip.
func Permanent(category, code, msg string) Result {
	return Result{Status: StatusPermanentFailure, ErrorCategory: category, ErrorCode: code, Message: msg}
}

// Adapter submits one job to an external provider. The idempotency key is
// the external reference id; a provider seeing it twice must treat the
// second submission as a duplicate, not a new conversion.
//
// Transport and classification both live behind this interface: a returned
// error means the adapter itself malfunctioned, and callers treat that as a
// transient failure.
type Adapter interface {
	Upload(ctx context.Context, row models.QueueRow, idempotencyKey string) (Result, error)
}

// CredentialStore resolves per-tenant provider credentials. Encryption and
// rotation live elsewhere; the blob is opaque here.
type CredentialStore interface {
	GetCredentials(ctx context.Context, siteID, providerKey string) ([]byte, error)
}

// Registry maps provider keys to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(providerKey string, a Adapter) {
	if providerKey == "" || a == nil {
		return
	}
	r.adapters[providerKey] = a
}

func (r *Registry) Get(providerKey string) (Adapter, error) {
	a, ok := r.adapters[providerKey]
	if !ok {
		return nil, eris.Errorf("no adapter registered for provider %q", providerKey)
	}
	return a, nil
}

func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	return keys
}
