package schema

import (
	"time"
)

// TrackedResource is a backend resource created during a run that cleanup must remove.
type TrackedResource struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// Key returns the "type:id" identifier used in results and de-duplication.
func (r TrackedResource) Key() string {
	return r.Type + ":" + r.ID
}

// MetaString returns a metadata value as a string, or "" if absent or not a string.
func (r TrackedResource) MetaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

// CleanupResult reports the outcome of one cleanup pass. Lists are never nil.
type CleanupResult struct {
	Success bool              `json:"success"`
	Deleted []string          `json:"deleted"`
	Failed  []string          `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// NewCleanupResult returns an empty, successful result.
func NewCleanupResult() *CleanupResult {
	return &CleanupResult{
		Success: true,
		Deleted: []string{},
		Failed:  []string{},
		Errors:  map[string]string{},
	}
}

// AddDeleted records a successful deletion.
func (r *CleanupResult) AddDeleted(key string) {
	r.Deleted = append(r.Deleted, key)
}

// AddFailed records a failed deletion and flips Success.
func (r *CleanupResult) AddFailed(key string, err error) {
	r.Failed = append(r.Failed, key)
	if err != nil {
		r.Errors[key] = err.Error()
	}
	r.Success = false
}

// Merge appends o's outcomes. Success stays true only if both succeeded.
func (r *CleanupResult) Merge(o *CleanupResult) {
	if o == nil {
		return
	}
	r.Deleted = append(r.Deleted, o.Deleted...)
	r.Failed = append(r.Failed, o.Failed...)
	if r.Errors == nil && len(o.Errors) > 0 {
		r.Errors = make(map[string]string, len(o.Errors))
	}
	for k, v := range o.Errors {
		r.Errors[k] = v
	}
	r.Success = r.Success && o.Success
}

// ErrorStrings returns "key: message" lines in failed-list order.
func (r *CleanupResult) ErrorStrings() []string {
	out := make([]string, 0, len(r.Failed))
	for _, k := range r.Failed {
		if msg, ok := r.Errors[k]; ok {
			out = append(out, k+": "+msg)
		} else {
			out = append(out, k)
		}
	}
	return out
}

// ProviderKind names a backend provider variant.
type ProviderKind string

const (
	ProviderNone        ProviderKind = "none"
	ProviderSQL         ProviderKind = "sql"
	ProviderObjectStore ProviderKind = "objectstore"
	ProviderREST        ProviderKind = "rest"
)

// ProviderConfig identifies the cleanup backend. Exactly one variant matching
// Kind is set. Variants carry identity only; secrets are loaded separately.
type ProviderConfig struct {
	Kind        ProviderKind         `json:"kind"`
	SQL         *SQLProvider         `json:"sql,omitempty"`
	ObjectStore *ObjectStoreProvider `json:"objectstore,omitempty"`
	REST        *RESTProvider        `json:"rest,omitempty"`
}

// SQLProvider identifies a SQL database.
type SQLProvider struct {
	// Driver is "libsql" or "pgx".
	Driver string `json:"driver"`
	// DSN without credentials; the password is injected from the credential loader.
	DSN           string   `json:"dsn"`
	UsersTable    string   `json:"users_table,omitempty"`
	IDColumn      string   `json:"id_column,omitempty"`
	CreatedColumn string   `json:"created_column,omitempty"`
	ExcludeTables []string `json:"exclude_tables,omitempty"`
}

// ObjectStoreProvider identifies an S3-compatible store.
type ObjectStoreProvider struct {
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
	Region   string `json:"region,omitempty"`
	UseSSL   bool   `json:"use_ssl,omitempty"`
}

// RESTProvider identifies an HTTP backend API.
type RESTProvider struct {
	BaseURL string `json:"base_url"`
	Project string `json:"project,omitempty"`
	// Paths maps a handler name to a path template such as "/users/{id}".
	Paths map[string]string `json:"paths,omitempty"`
}

// Validate checks that the variant matching Kind is present and no other.
func (p ProviderConfig) Validate() error {
	set := 0
	if p.SQL != nil {
		set++
	}
	if p.ObjectStore != nil {
		set++
	}
	if p.REST != nil {
		set++
	}

	var ok bool
	switch p.Kind {
	case "", ProviderNone:
		ok = set == 0
	case ProviderSQL:
		ok = set == 1 && p.SQL != nil && p.SQL.Driver != ""
	case ProviderObjectStore:
		ok = set == 1 && p.ObjectStore != nil && p.ObjectStore.Bucket != ""
	case ProviderREST:
		ok = set == 1 && p.REST != nil && p.REST.BaseURL != ""
	default:
		return NewErrorf(ErrCodeValidation, "unknown provider kind %q", p.Kind)
	}
	if !ok {
		return NewErrorf(ErrCodeValidation, "provider %q: exactly one matching variant must be configured", p.Kind)
	}
	return nil
}

// FailedCleanupRecord is the durable record of a cleanup that left resources behind.
// It never contains credentials.
type FailedCleanupRecord struct {
	SessionID string            `json:"sessionId"`
	Timestamp time.Time         `json:"timestamp"`
	Resources []TrackedResource `json:"resources"`
	Provider  ProviderConfig    `json:"provider"`
	TypeMap   map[string]string `json:"typeMap,omitempty"`
	Errors    []string          `json:"errors"`
}
