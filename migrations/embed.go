// Package migrations embeds the SQL migration files applied by goose at
// server start (MIGRATE=true) and by the storage integration tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
