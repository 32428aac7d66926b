// Package migrations embeds the store schema, one directory per driver.
package migrations

import "embed"

// FS holds sqlite3/, postgres/ and mysql/ migration sets.
//
//go:embed sqlite3/*.sql postgres/*.sql mysql/*.sql
var FS embed.FS
