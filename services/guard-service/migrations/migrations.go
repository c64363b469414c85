// Package migrations carries the postgres schema for the pgx backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
