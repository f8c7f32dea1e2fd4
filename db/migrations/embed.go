// Package dbmigrations exposes embedded SQL migrations for waitroom binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into waitroom binaries.
//
//go:embed *.sql
var Files embed.FS
