// Package certlog implements the issued-certificate log: a durable record
// of every certificate the CA Signer has issued, queryable by serial or
// enrollment transaction. It supplements spec.md's core SCEP pipeline with
// an audit trail, following the shape of an operational CA (see
// SPEC_FULL.md §4.7).
package certlog

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// db wraps the database connection.
type db struct {
	*sql.DB
}

func openDB(path string) (*db, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &db{DB: sqlDB}, nil
}

func (d *db) Close() error { return d.DB.Close() }
