// Package migrations holds the SQL schema migrations applied at startup.
package migrations

import "embed"

// FS contains the migration files.
//
//go:embed *.sql
var FS embed.FS
