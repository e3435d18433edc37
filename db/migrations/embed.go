// Package dbmigrations exposes embedded SQL migrations for AgriSync binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into AgriSync binaries.
//
//go:embed *.sql
var Files embed.FS
