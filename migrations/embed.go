// Package migrations embeds the goose SQL migrations so every binary carries
// the schema it expects.
package migrations

import "embed"

// FS holds the ordered *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
