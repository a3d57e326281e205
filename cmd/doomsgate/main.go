// Package main is the doomsgate CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/doomsgate/doomsgate/internal/cli"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

// Build info set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetBuildInfo(version, commit, date)
	os.Exit(run())
}

func run() int {
	err := cli.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var configErr *errkind.ConfigError
	var bindErr *cli.BindError
	switch {
	case errors.As(err, &configErr):
		return 1
	case errors.As(err, &bindErr):
		return 2
	default:
		return 3
	}
}
