// Package dbmigrations exposes embedded SQL migrations for Kora binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Kora binaries.
//
//go:embed *.sql
var Files embed.FS
