// Package sqlite implements a SQLite-backed target.
package sqlite

// Config holds SQLite target configuration derived from target.Config.
type Config struct {
	// DSN is a SQLite connection string or file path, e.g.:
	//   "file:seed.db?_pragma=foreign_keys(1)"
	//   ":memory:"
	DSN string

	// IDPrefix is prepended to every minted row identifier.
	IDPrefix string
}
