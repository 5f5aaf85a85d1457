// Package migrations exposes the SQL migration files for embedding into
// provisioning tools.
package migrations

import "embed"

// Files holds the MySQL and Postgres migration scripts.
//
//go:embed mysql/*.sql postgres/*.sql
var Files embed.FS
