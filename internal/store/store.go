// Package store persists failed-cleanup records so a later invocation can
// finish deleting what a run left behind.
package store

import (
	"context"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Store is the failed-cleanup persistence contract, keyed by session id.
// All implementations must be safe for concurrent use.
type Store interface {
	// Save creates or replaces the record for rec.SessionID.
	Save(ctx context.Context, rec *schema.FailedCleanupRecord) error
	// Get returns the record or a NOT_FOUND error.
	Get(ctx context.Context, sessionID string) (*schema.FailedCleanupRecord, error)
	// List returns valid records oldest first plus one error per unreadable entry.
	List(ctx context.Context) ([]*schema.FailedCleanupRecord, []error, error)
	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// DefaultDir is where FileStore keeps records, relative to the project root.
const DefaultDir = ".e2ekit/failed-cleanups"

func storeNotFound(sessionID string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "no failed cleanup recorded for session %s", sessionID)
}

func checkRecord(rec *schema.FailedCleanupRecord) error {
	if rec == nil || rec.SessionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "failed cleanup record needs a session id")
	}
	return nil
}
