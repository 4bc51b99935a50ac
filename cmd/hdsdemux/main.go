// Package main is the entry point for the hdsdemux application.
package main

import (
	"os"

	"github.com/wiseplay-app/hdsdemux/cmd/hdsdemux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
