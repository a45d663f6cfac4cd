package history

import "embed"

// EmbeddedMigrations contains the SQL migration files compiled into the
// binary, so deployments never depend on external schema files.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
