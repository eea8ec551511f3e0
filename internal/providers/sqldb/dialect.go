package sqldb

import (
	"strconv"
	"time"
)

type dialect interface {
	placeholder(n int) string
	listTables() string
	sinceArg(t time.Time) any
}

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) listTables() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`
}

// sinceArg matches SQLite's CURRENT_TIMESTAMP text format.
func (sqliteDialect) sinceArg(t time.Time) any {
	return t.UTC().Format("2006-01-02 15:04:05")
}

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) listTables() string {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
}

func (postgresDialect) sinceArg(t time.Time) any { return t }
