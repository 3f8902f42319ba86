package migrations

import "embed"

// FS contains embedded SQLite migrations for storyshelf storage.
//
//go:embed *.sql
var FS embed.FS
