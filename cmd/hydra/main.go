// Package main is the entry point for the hydra CLI.
package main

import (
	"os"

	"github.com/woodwosj/hydra/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
