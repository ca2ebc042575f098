// Package migrations embeds the SQL schema for each supported dialect.
package migrations

import "embed"

// FS holds sqlite/*.sql and postgres/*.sql, applied in file-name order.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
