// Package sqldb is the SQL cleanup provider. It deletes rows and user
// accounts through database/sql with the libSQL or pgx driver, and scans
// tables for rows created during a run.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Supported drivers.
const (
	DriverLibSQL = "libsql"
	DriverPgx    = "pgx"
)

// Defaults for unset configuration.
const (
	DefaultUsersTable    = "users"
	DefaultIDColumn      = "id"
	DefaultCreatedColumn = "created_at"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Provider deletes rows in one database.
type Provider struct {
	db      *sql.DB
	cfg     schema.SQLProvider
	dialect dialect
	logger  *slog.Logger
}

// Open connects lazily; the first handler call or scan dials the database.
func Open(cfg schema.SQLProvider, creds secrets.Credentials, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: withDefaults(cfg), logger: logger}
	for _, ident := range []string{p.cfg.UsersTable, p.cfg.IDColumn, p.cfg.CreatedColumn} {
		if err := checkIdent(ident); err != nil {
			return nil, err
		}
	}

	switch cfg.Driver {
	case DriverLibSQL:
		dsn, err := libsqlDSN(cfg.DSN, creds.AuthToken)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeProvider, "open libsql: %v", err).WithCause(err)
		}
		p.db, p.dialect = db, sqliteDialect{}
	case DriverPgx:
		pc, err := pgxConfig(cfg.DSN, creds.Password)
		if err != nil {
			return nil, err
		}
		p.db, p.dialect = stdlib.OpenDB(*pc), postgresDialect{}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported sql driver %q", cfg.Driver)
	}
	return p, nil
}

// NewWithDB wraps an open database; used by tests and embedders.
func NewWithDB(db *sql.DB, driver string, cfg schema.SQLProvider, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	var d dialect = sqliteDialect{}
	if driver == DriverPgx {
		d = postgresDialect{}
	}
	cfg.Driver = driver
	return &Provider{db: db, cfg: withDefaults(cfg), dialect: d, logger: logger}
}

func withDefaults(cfg schema.SQLProvider) schema.SQLProvider {
	if cfg.UsersTable == "" {
		cfg.UsersTable = DefaultUsersTable
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = DefaultIDColumn
	}
	if cfg.CreatedColumn == "" {
		cfg.CreatedColumn = DefaultCreatedColumn
	}
	return cfg
}

// libsqlDSN adds the auth token to remote URLs. Local file DSNs pass through.
func libsqlDSN(dsn, token string) (string, error) {
	if token == "" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "invalid libsql dsn").WithCause(err)
	}
	q := u.Query()
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pgxConfig parses a URL or keyword DSN and injects the password.
func pgxConfig(dsn, password string) (*pgx.ConnConfig, error) {
	pc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid postgres dsn").WithCause(err)
	}
	if password != "" {
		pc.Password = password
	}
	return pc, nil
}

func checkIdent(s string) error {
	if !identPattern.MatchString(s) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid sql identifier %q", s)
	}
	return nil
}

func (p *Provider) Kind() schema.ProviderKind { return schema.ProviderSQL }

// Identity is safe to persist: credentials embedded in the DSN are stripped.
func (p *Provider) Identity() schema.ProviderConfig {
	cfg := p.cfg
	cfg.DSN = redactDSN(cfg.DSN)
	return schema.ProviderConfig{Kind: schema.ProviderSQL, SQL: &cfg}
}

// redactDSN drops a password or auth token someone put into the DSN itself.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Opaque != "" {
		return dsn
	}
	_, hasPass := u.User.Password()
	q := u.Query()
	if !hasPass && !q.Has("authToken") && !q.Has("password") {
		return dsn
	}
	if hasPass {
		u.User = url.User(u.User.Username())
	}
	q.Del("authToken")
	q.Del("password")
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Provider) Handlers() map[string]cleanup.Handler {
	return map[string]cleanup.Handler{
		"row":  p.deleteRow,
		"user": p.deleteUser,
	}
}

func (p *Provider) DefaultTypeMap() map[string]string {
	return map[string]string{
		"row":     "row",
		"record":  "row",
		"user":    "user",
		"account": "user",
	}
}

func (p *Provider) Close() error { return p.db.Close() }

// deleteRow needs metadata "table"; "id_column" overrides the configured id column.
func (p *Provider) deleteRow(ctx context.Context, r schema.TrackedResource) error {
	table := r.MetaString("table")
	if table == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "row %s has no table metadata", r.ID)
	}
	col := r.MetaString("id_column")
	if col == "" {
		col = p.cfg.IDColumn
	}
	return p.deleteByID(ctx, table, col, r.ID)
}

func (p *Provider) deleteUser(ctx context.Context, r schema.TrackedResource) error {
	return p.deleteByID(ctx, p.cfg.UsersTable, p.cfg.IDColumn, r.ID)
}

// deleteByID treats "no such row" as success.
func (p *Provider) deleteByID(ctx context.Context, table, col, id string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if err := checkIdent(col); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = %s`, quote(table), quote(col), p.dialect.placeholder(1))
	res, err := p.db.ExecContext(ctx, q, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider, "delete %s.%s=%s: %v", table, col, id, err).WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		p.logger.Debug("row already absent", slog.String("table", table), slog.String("id", id))
	}
	return nil
}

func quote(ident string) string { return `"` + ident + `"` }
