// Package main is the entry point for the daliugebuild CLI.
//
// The binary provisions a Python environment for a DALiuGE checkout and
// installs the project into it. All functionality lives in internal/cli.
//
// Build-time variables (version, commit, date) are injected via ldflags
// during release builds and default to "dev", "none" and "unknown".
package main

import (
	"github.com/mmr-tortoise/daliugebuild/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
