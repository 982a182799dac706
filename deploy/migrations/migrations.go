// Package migrations embeds the MySQL schema applied by storage/mysql.Migrate.
package migrations

import "embed"

// Files holds every versioned SQL migration.
//
//go:embed *.sql
var Files embed.FS
