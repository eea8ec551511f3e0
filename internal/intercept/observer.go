package intercept

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/internal/expressions"
	"github.com/rendis/e2ekit/internal/ledger"
	"github.com/rendis/e2ekit/pkg/schema"
)

// UpdatePolicy decides whether an update to an unledgered resource adds it.
type UpdatePolicy string

const (
	// UpdateOff never adds resources from update responses.
	UpdateOff UpdatePolicy = "off"
	// UpdateOwned adds them only when the rule's OwnerQuery yields the run's user id.
	UpdateOwned UpdatePolicy = "owned"
	// UpdateAll adds every updated resource.
	UpdateAll UpdatePolicy = "all"
)

const extractTimeout = 2 * time.Second

// Config configures an Observer.
type Config struct {
	Rules  []Rule
	Ledger *ledger.Ledger
	// Identity returns the run's user id, "" before one is established.
	Identity     func() string
	UpdatePolicy UpdatePolicy
	Logger       *slog.Logger
}

// Observer watches responses and keeps the ledger in step with creates,
// updates and deletes the session performs.
type Observer struct {
	rules    []Rule
	ledger   *ledger.Ledger
	identity func() string
	policy   UpdatePolicy
	jq       *expressions.GoJQEngine
	logger   *slog.Logger

	mu        sync.Mutex
	installed map[browser.Session]bool
}

// NewObserver creates an observer. The update policy defaults to owned.
func NewObserver(cfg Config) *Observer {
	if cfg.UpdatePolicy == "" {
		cfg.UpdatePolicy = UpdateOwned
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == nil {
		cfg.Identity = func() string { return "" }
	}
	return &Observer{
		rules:     cfg.Rules,
		ledger:    cfg.Ledger,
		identity:  cfg.Identity,
		policy:    cfg.UpdatePolicy,
		jq:        expressions.NewGoJQEngine(),
		logger:    cfg.Logger,
		installed: make(map[browser.Session]bool),
	}
}

// Install subscribes to s. Installing twice on the same session is a no-op.
func (o *Observer) Install(s browser.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.installed[s] {
		return
	}
	o.installed[s] = true
	s.OnResponse(o.Handle)
}

// Handle applies the first matching rule of each op to r. Non-2xx responses are ignored.
func (o *Observer) Handle(r browser.Response) {
	if !r.OK() {
		return
	}
	target := matchTarget(r.URL)
	for i := range o.rules {
		m, ok := o.rules[i].match(r.Method, target)
		if !ok {
			continue
		}
		switch m.rule.Op {
		case OpCreate:
			o.onCreate(m, r)
		case OpUpdate:
			o.onUpdate(m, r)
		case OpDelete:
			o.onDelete(m, r)
		}
		return
	}
}

func (o *Observer) onCreate(m match, r browser.Response) {
	ids := o.ids(m, r)
	if len(ids) == 0 {
		o.logger.Debug("create response without id", "type", m.rule.Type, "url", r.URL)
		return
	}
	for _, id := range ids {
		meta := m.metadata()
		meta["source"] = "network"
		if o.ledger.Add(schema.TrackedResource{Type: m.rule.Type, ID: id, Metadata: meta}) {
			o.logger.Debug("resource tracked", "resource", m.rule.Type+":"+id)
		}
	}
}

func (o *Observer) onUpdate(m match, r browser.Response) {
	if o.policy == UpdateOff {
		return
	}
	for _, id := range o.ids(m, r) {
		if o.ledger.Has(m.rule.Type, id) {
			continue
		}
		if o.policy == UpdateOwned && !o.ownedByRun(m, r) {
			continue
		}
		meta := m.metadata()
		meta["source"] = "network-update"
		o.ledger.Add(schema.TrackedResource{Type: m.rule.Type, ID: id, Metadata: meta})
		o.logger.Info("untracked resource adopted from update", "resource", m.rule.Type+":"+id, "policy", string(o.policy))
	}
}

func (o *Observer) onDelete(m match, r browser.Response) {
	for _, id := range o.ids(m, r) {
		if o.ledger.MarkDeleted(m.rule.Type, id) {
			o.logger.Debug("resource deleted by session", "resource", m.rule.Type+":"+id)
		}
	}
}

// ids extracts ids from the body via IDQuery, falling back to the path group.
func (o *Observer) ids(m match, r browser.Response) []string {
	if m.rule.IDQuery != "" && len(r.Body) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
		ids, err := o.jq.ExtractStrings(ctx, m.rule.IDQuery, r.Body)
		cancel()
		if err == nil && len(ids) > 0 {
			return ids
		}
	}
	if m.rule.IDGroup != "" {
		if id := m.groups[m.rule.IDGroup]; id != "" {
			if un, err := url.PathUnescape(id); err == nil {
				id = un
			}
			return []string{id}
		}
	}
	return nil
}

func (o *Observer) ownedByRun(m match, r browser.Response) bool {
	user := o.identity()
	if user == "" || m.rule.OwnerQuery == "" || len(r.Body) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
	defer cancel()
	owners, err := o.jq.ExtractStrings(ctx, m.rule.OwnerQuery, r.Body)
	if err != nil {
		return false
	}
	for _, owner := range owners {
		if owner == user {
			return true
		}
	}
	return false
}
