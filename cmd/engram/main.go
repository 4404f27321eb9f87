// Package main is the entry point for the engram CLI.
package main

import (
	"os"

	"github.com/KafClaw/engram/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
