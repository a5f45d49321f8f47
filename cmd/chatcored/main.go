// Package main provides the entry point for the chatcore daemon.
package main

import (
	"fmt"
	"os"

	"github.com/chatcore-dev/chatcore/cmd/chatcored/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
