// Package main is the entry point for the zaplink application.
package main

import (
	"os"

	"github.com/zaplinktv/zaplink/cmd/zaplink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
