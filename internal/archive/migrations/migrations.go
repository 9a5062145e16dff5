// Package migrations embeds the archive schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_archived_jobs.sql",
	"002_create_archived_task_results.sql",
}
