package engine

import (
	"sort"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/rendis/e2ekit/internal/ledger"
)

// Identity is the test user established during a run.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// EmailRef points at the last email the run observed.
type EmailRef struct {
	Address    string    `json:"address"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ExecutionContext is the state one pipeline run shares across every node and
// every viewport pass. It is passed by pointer and safe for concurrent use.
type ExecutionContext struct {
	SessionID string
	Ledger    *ledger.Ledger

	mu        sync.RWMutex
	vars      *orderedmap.OrderedMap[string, any]
	identity  Identity
	lastEmail *EmailRef
}

// NewExecutionContext returns an empty context with its own ledger.
func NewExecutionContext(sessionID string) *ExecutionContext {
	return &ExecutionContext{
		SessionID: sessionID,
		Ledger:    ledger.New(),
		vars:      orderedmap.New[string, any](),
	}
}

// SetVar sets a variable; the last writer wins. A new key goes to the end.
func (c *ExecutionContext) SetVar(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars.Set(key, value)
}

// Var returns a variable.
func (c *ExecutionContext) Var(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vars.Get(key)
}

// MergeVars sets every entry of vars, in key order so that new keys land deterministically.
func (c *ExecutionContext) MergeVars(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range sortedKeys(vars) {
		c.vars.Set(k, vars[k])
	}
}

// SeedVars sets only the keys not already present.
func (c *ExecutionContext) SeedVars(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range sortedKeys(vars) {
		if _, ok := c.vars.Get(k); !ok {
			c.vars.Set(k, vars[k])
		}
	}
}

// VarKeys returns variable names in insertion order.
func (c *ExecutionContext) VarKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, c.vars.Len())
	for pair := c.vars.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// VarsMap returns a copy of the variables as a plain map.
func (c *ExecutionContext) VarsMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, c.vars.Len())
	for pair := c.vars.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// SetIdentity records the established test user.
func (c *ExecutionContext) SetIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// Identity returns the established test user, zero if none.
func (c *ExecutionContext) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// SetLastEmail records the most recent email reference.
func (c *ExecutionContext) SetLastEmail(ref EmailRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEmail = &ref
}

// LastEmail returns the most recent email reference, or nil.
func (c *ExecutionContext) LastEmail() *EmailRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastEmail == nil {
		return nil
	}
	ref := *c.lastEmail
	return &ref
}

// conditionData is the activation for node guard expressions.
func (c *ExecutionContext) conditionData(viewport string) map[string]any {
	id := c.Identity()
	return map[string]any{
		"vars":     c.VarsMap(),
		"identity": map[string]any{"user_id": id.UserID, "email": id.Email},
		"session":  map[string]any{"id": c.SessionID, "viewport": viewport},
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
