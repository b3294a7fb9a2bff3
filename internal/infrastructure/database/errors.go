package database

import "errors"

var (
	// ErrConnectionFailed is returned when the database cannot be opened or pinged.
	ErrConnectionFailed = errors.New("database: connection failed")

	// ErrHealthCheckFailed is returned when a liveness query fails.
	ErrHealthCheckFailed = errors.New("database: health check failed")

	// ErrMigrationMissing is returned when an applied version has no file to roll back with.
	ErrMigrationMissing = errors.New("database: migration not found")

	// ErrNoDownMigration is returned when a migration cannot be rolled back.
	ErrNoDownMigration = errors.New("database: migration has no down SQL")
)
