// Package migrations embeds the SQL migrations for the pgsql back end.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
