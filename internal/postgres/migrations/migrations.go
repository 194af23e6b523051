// Package migrations embeds the schema migration files applied by the
// gateway's migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_scan_tasks.sql",
	"002_create_scan_reports.sql",
}
