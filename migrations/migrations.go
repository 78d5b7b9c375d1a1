// Package migrations embeds the SQL schema applied by golang-migrate.
package migrations

import "embed"

//go:embed sqlite/*.sql
var SQLite embed.FS

const SQLiteDir = "sqlite"
