// Package migrations embeds the schema migration SQL for both storage
// backends, consumed via golang-migrate's iofs source driver.
package migrations

import "embed"

//go:embed postgres/*.sql
var Postgres embed.FS

//go:embed sqlite/*.sql
var SQLite embed.FS
