// Package provider defines what a cleanup backend offers: delete-by-id
// handlers and, optionally, a scan for records created during a run.
package provider

import (
	"context"
	"time"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Provider is a configured backend.
type Provider interface {
	Kind() schema.ProviderKind
	// Identity is the non-secret configuration, safe to persist.
	Identity() schema.ProviderConfig
	Handlers() map[string]cleanup.Handler
	DefaultTypeMap() map[string]string
	Close() error
}

// Record is one backend entry seen by a scan.
type Record struct {
	// Collection is the table or bucket.
	Collection string
	ID         string
	// Type is the resource type a handler deletes this record as.
	Type      string
	CreatedAt time.Time
	// Owner is the uploader or owning account when the backend exposes one.
	Owner string
	// Data is the record as the backend returned it.
	Data map[string]any
	// Metadata is what the delete handler needs besides the id.
	Metadata map[string]any
}

// Resource converts the record into a ledger entry.
func (r Record) Resource() schema.TrackedResource {
	meta := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta["source"] = "reconcile"
	return schema.TrackedResource{Type: r.Type, ID: r.ID, Metadata: meta, CreatedAt: r.CreatedAt}
}

// VisitFunc receives scanned records. Returning an error stops the scan.
type VisitFunc func(Record) error

// Scanner lists records created at or after since. Best effort: backends
// without timestamps may return more.
type Scanner interface {
	Scan(ctx context.Context, since time.Time, visit VisitFunc) error
}

// None is the provider for runs without a backend.
type None struct{}

func (None) Kind() schema.ProviderKind            { return schema.ProviderNone }
func (None) Identity() schema.ProviderConfig      { return schema.ProviderConfig{Kind: schema.ProviderNone} }
func (None) Handlers() map[string]cleanup.Handler { return nil }
func (None) DefaultTypeMap() map[string]string    { return nil }
func (None) Close() error                         { return nil }
