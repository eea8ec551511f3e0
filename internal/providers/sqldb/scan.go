package sqldb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/e2ekit/internal/providers/provider"
)

// scanPageSize bounds each page of rows read from one table.
const scanPageSize = 500

// bookkeeping tables are never reported by Scan.
var bookkeepingPrefixes = []string{"sqlite_", "_e2ekit", "_litestream", "pg_"}

var bookkeepingTables = map[string]bool{
	"schema_version":     true,
	"schema_migrations":  true,
	"goose_db_version":   true,
	"_prisma_migrations": true,
}

func (p *Provider) excluded(table string) bool {
	if bookkeepingTables[table] {
		return true
	}
	for _, prefix := range bookkeepingPrefixes {
		if strings.HasPrefix(table, prefix) {
			return true
		}
	}
	for _, t := range p.cfg.ExcludeTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// Scan visits rows created at or after since in every non-bookkeeping table
// that has the configured created column. Tables without it are skipped.
func (p *Provider) Scan(ctx context.Context, since time.Time, visit provider.VisitFunc) error {
	tables, err := p.tables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if p.excluded(t) || checkIdent(t) != nil {
			continue
		}
		if err := p.scanTable(ctx, t, since, visit); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ve, stop := err.(visitError); stop {
				return ve.err
			}
			p.logger.Debug("table not scanned", slog.String("table", t), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (p *Provider) tables(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, p.dialect.listTables())
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// visitError carries an error returned by the visitor so Scan stops.
type visitError struct{ err error }

func (v visitError) Error() string { return v.err.Error() }

func (p *Provider) scanTable(ctx context.Context, table string, since time.Time, visit provider.VisitFunc) error {
	created := p.cfg.CreatedColumn
	q := fmt.Sprintf(`SELECT * FROM %s WHERE %s >= %s ORDER BY %s LIMIT %d OFFSET %s`,
		quote(table), quote(created), p.dialect.placeholder(1), quote(created), scanPageSize, p.dialect.placeholder(2))

	typ := "row"
	if table == p.cfg.UsersTable {
		typ = "user"
	}

	for offset := 0; ; offset += scanPageSize {
		page, err := p.page(ctx, q, since, offset)
		if err != nil {
			return err
		}
		for _, row := range page {
			id, ok := row[p.cfg.IDColumn]
			if !ok || id == nil {
				continue
			}
			rec := provider.Record{
				Collection: table,
				ID:         fmt.Sprint(id),
				Type:       typ,
				Data:       row,
				Metadata:   map[string]any{"table": table},
			}
			if t, ok := row[created].(time.Time); ok {
				rec.CreatedAt = t
			}
			if err := visit(rec); err != nil {
				return visitError{err}
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}

func (p *Provider) page(ctx context.Context, q string, since time.Time, offset int) ([]map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, q, p.dialect.sinceArg(since), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
