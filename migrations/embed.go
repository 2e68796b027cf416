// Package migrations embeds the goose SQL migrations.
//
// local/ holds the client database schema; remote/ holds the schema of the
// reference collection backend.
package migrations

import "embed"

//go:embed local/*.sql remote/*.sql
var FS embed.FS

// Migration directories within FS.
const (
	LocalDir  = "local"
	RemoteDir = "remote"
)
