// Package migrations embeds the OKM schema into the binary.
//
// Importing it for side effects registers the files with the database
// package, so `okm serve` and `okm migrate` work without SQL on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/okm-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
