// Package migrations embeds the relay's SQL migration files into the binary.
//
// main passes FS to database.DB.Migrate; tests do the same to build a
// schema identical to production.
package migrations

import "embed"

// FS holds every *.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
