// Package main provides the entry point for the fbmsg CLI.
package main

import (
	"os"

	"github.com/jersoncarin/facebook-message-api/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
