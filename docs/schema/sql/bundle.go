// Package sqldocs exposes the catalog DDL directly from the docs tree.
package sqldocs

import _ "embed"

// SQLite contains the catalog schema for SQLite.
//
//go:embed sqlite.sql
var SQLite string

// Postgres contains the catalog schema for PostgreSQL.
//
//go:embed postgres.sql
var Postgres string
