// Package reconciler sweeps provider backends for resources a run created
// but never reported. It is a safety net behind tracked cleanup: records are
// flagged by a textual marker match, so unrelated data that happens to
// mention the marker is flagged too.
package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/e2ekit/internal/expressions"
	"github.com/rendis/e2ekit/internal/logging"
	"github.com/rendis/e2ekit/internal/providers/provider"
	"github.com/rendis/e2ekit/pkg/schema"
)

// AccountType is the resource type of the identity's own account.
const AccountType = "user"

// Reconciler runs every scanner and collects the records that match.
type Reconciler struct {
	Scanners []provider.Scanner
	// Match evaluates Request.MatchExpr; required only when one is given.
	Match  *expressions.ExprEngine
	Logger *slog.Logger
}

// Request describes one sweep.
type Request struct {
	// Since is the run start; older records are never considered.
	Since time.Time
	// Marker is the identity string searched for, typically the test user id.
	Marker string
	// MatchExpr replaces the marker search with an expr-lang predicate over
	// record, marker, collection, type, id and owner.
	MatchExpr string
	// Account is the identity's own user id, deleted after everything else.
	// Defaults to Marker.
	Account string
}

// AccountID is the identity account deleted last: Account, else Marker.
func (req Request) AccountID() string {
	if req.Account != "" {
		return req.Account
	}
	return req.Marker
}

// IsAccount reports whether res is the identity account of req.
func (req Request) IsAccount(res schema.TrackedResource) bool {
	id := req.AccountID()
	return id != "" && res.Type == AccountType && res.ID == id
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run returns the flagged resources in scan order with the identity account
// last. Scanner failures are logged and skipped. A request with neither a
// marker nor an expression flags nothing.
func (r *Reconciler) Run(ctx context.Context, req Request) ([]schema.TrackedResource, error) {
	logger := logging.LogWith(ctx, r.logger())
	if req.MatchExpr == "" && req.Marker == "" {
		return nil, nil
	}
	if req.MatchExpr != "" {
		if r.Match == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "reconcile match expression given without an expression engine")
		}
		if err := r.Match.Compile(req.MatchExpr); err != nil {
			return nil, err
		}
	}
	account := req.AccountID()

	var (
		out  []schema.TrackedResource
		seen = map[string]bool{}
	)
	for _, sc := range r.Scanners {
		err := sc.Scan(ctx, req.Since, func(rec provider.Record) error {
			if account != "" && rec.Type == AccountType && rec.ID == account {
				return nil
			}
			if !r.matches(ctx, req, rec) {
				return nil
			}
			res := rec.Resource()
			if seen[res.Key()] {
				return nil
			}
			seen[res.Key()] = true
			out = append(out, res)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return out, schema.NewError(schema.ErrCodeCancelled, "reconcile cancelled").WithCause(ctx.Err())
			}
			logger.Warn("reconcile scan failed", slog.String("error", err.Error()))
		}
	}

	if account != "" {
		out = append(out, schema.TrackedResource{
			Type:     AccountType,
			ID:       account,
			Metadata: map[string]any{"source": "reconcile", "identity": true},
		})
	}
	logger.Info("reconcile finished", slog.Int("flagged", len(out)))
	return out, nil
}

func (r *Reconciler) matches(ctx context.Context, req Request, rec provider.Record) bool {
	if req.MatchExpr != "" {
		ok, err := r.Match.EvalBool(ctx, req.MatchExpr, map[string]any{
			"record":     rec.Data,
			"marker":     req.Marker,
			"collection": rec.Collection,
			"type":       rec.Type,
			"id":         rec.ID,
			"owner":      rec.Owner,
		})
		if err != nil {
			r.logger().Debug("match expression failed", slog.String("id", rec.ID), slog.String("error", err.Error()))
			return false
		}
		return ok
	}
	return MarkerMatch(rec, req.Marker)
}

// MarkerMatch reports whether the record's owner equals marker or its JSON
// form contains it.
func MarkerMatch(rec provider.Record, marker string) bool {
	if marker == "" {
		return false
	}
	if rec.Owner == marker {
		return true
	}
	b, err := json.Marshal(rec.Data)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), marker)
}
