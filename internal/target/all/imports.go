// Package all wires all built-in targets into the target factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) causes the init functions of each concrete target to run, which in
// turn register their factories with the target package. The kinds made
// available are "memory", "sqlite" and "postgres".
//
// A binary that needs only a subset can import the backend packages
// directly instead.
package all

import (
	_ "seedflow/internal/target/memory"
	_ "seedflow/internal/target/postgres"
	_ "seedflow/internal/target/sqlite"
)
