// Package main is the entry point for the rice server CLI.
package main

import (
	"os"

	"github.com/ricelabs/rice/cmd/rice/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
