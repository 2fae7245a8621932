// Package main provides the vlayer CLI.
package main

import (
	"os"

	"github.com/leapstack-labs/vlayer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
