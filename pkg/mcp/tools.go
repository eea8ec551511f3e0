package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/diagram"
	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/pkg/schema"
)

// PlanView is the pipeline.plan response.
type PlanView struct {
	Name      string     `json:"name,omitempty"`
	Order     []string   `json:"order"`
	Levels    [][]string `json:"levels"`
	Viewports []string   `json:"viewports"`
}

// RecordSummary describes one persisted failed cleanup without its resources.
type RecordSummary struct {
	SessionID string              `json:"session_id"`
	Timestamp time.Time           `json:"timestamp"`
	Provider  schema.ProviderKind `json:"provider"`
	Pending   int                 `json:"pending"`
	Errors    []string            `json:"errors"`
}

// ListView is the cleanup.list response when no session is given.
type ListView struct {
	Records []RecordSummary `json:"records"`
	Invalid []string        `json:"invalid,omitempty"`
}

// RetryView is the cleanup.retry response.
type RetryView struct {
	Outcomes []*cleanup.RetryOutcome `json:"outcomes"`
	Resolved int                     `json:"resolved"`
	Pending  int                     `json:"pending"`
}

// handlePlan orders a pipeline definition without running it.
func (s *Server) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed pipeline.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var p schema.Pipeline
	if err := json.Unmarshal(defBytes, &p); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	plan, err := engine.BuildPlan(&p)
	if err != nil {
		return errorResult(err), nil
	}

	switch format := req.GetString("format", "json"); format {
	case "json":
	case "ascii", "mermaid":
		model, err := diagram.Build(plan, nil, "")
		if err != nil {
			return errorResult(err), nil
		}
		if format == "ascii" {
			return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
		}
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultError("format must be json, ascii, or mermaid"), nil
	}
	viewports, err := plan.Viewports()
	if err != nil {
		return errorResult(err), nil
	}

	view := PlanView{
		Name:      plan.Pipeline.Name,
		Order:     plan.Order,
		Levels:    plan.Levels,
		Viewports: make([]string, 0, len(viewports)),
	}
	for _, vp := range viewports {
		view.Viewports = append(view.Viewports, vp.String())
	}
	return marshalResult(view)
}

// handleList summarises persisted failed cleanups, or returns one record in full.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("failed-cleanup store is not configured"), nil
	}

	if sessionID := req.GetString("session_id", ""); sessionID != "" {
		rec, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return errorResult(err), nil
		}
		return marshalResult(rec)
	}

	recs, invalid, err := s.store.List(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	view := ListView{Records: make([]RecordSummary, 0, len(recs))}
	for _, rec := range recs {
		view.Records = append(view.Records, RecordSummary{
			SessionID: rec.SessionID,
			Timestamp: rec.Timestamp,
			Provider:  rec.Provider.Kind,
			Pending:   len(rec.Resources),
			Errors:    rec.Errors,
		})
	}
	for _, e := range invalid {
		view.Invalid = append(view.Invalid, e.Error())
	}
	return marshalResult(view)
}

// handleRetry retries one session, or every persisted session when none is given.
func (s *Server) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.retrier == nil {
		return mcp.NewToolResultError("cleanup retry is not configured"), nil
	}

	var outcomes []*cleanup.RetryOutcome
	if sessionID := req.GetString("session_id", ""); sessionID != "" {
		out, err := s.retrier.Retry(ctx, sessionID)
		if err != nil {
			return errorResult(err), nil
		}
		outcomes = []*cleanup.RetryOutcome{out}
	} else {
		all, err := s.retrier.RetryAll(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		outcomes = all
	}

	view := RetryView{Outcomes: outcomes}
	for _, out := range outcomes {
		if out.Resolved {
			view.Resolved++
		} else {
			view.Pending++
		}
	}
	s.logger.Info("cleanup retry finished",
		slog.Int("resolved", view.Resolved),
		slog.Int("pending", view.Pending),
	)
	return marshalResult(view)
}

// errorResult renders coded errors as their JSON form so clients can branch on the code.
func errorResult(err error) *mcp.CallToolResult {
	var se *schema.Error
	if errors.As(err, &se) {
		if data, mErr := json.Marshal(se); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
