// Package migrations embeds the goose SQL migrations for the repository's PostgreSQL schema.
package migrations

import "embed"

// FS holds the embedded *.sql migration files, passed to postgres.Migrate at startup.
//
//go:embed *.sql
var FS embed.FS
