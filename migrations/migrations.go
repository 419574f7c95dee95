// Package migrations embeds the postgres schema for the durable backends.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
