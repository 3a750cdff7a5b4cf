// Package migrations embeds the task store schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
