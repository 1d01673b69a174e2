// Package migrations ships the schema with the binary. MIGRATIONS_DIR
// overrides it with a directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
