// Package migrations embeds the Postgres schema for the words table.
package migrations

import "embed"

// FS holds the .sql files in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
