// Package model defines the domain types and value objects for the
// daliugebuild CLI.
//
// This package contains pure data structures with no external dependencies:
// stage names and statuses, the per-run Report, the isolation backend kinds,
// and the exit codes together with the CLIError type that carries them to
// the process boundary.
package model
