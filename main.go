package main

import (
	"github.com/surveyor-sec/surveyor/cmd"
)

// main is the entry point for the surveyor CLI.
func main() {
	// Execute the root command defined in the cmd package. This handles all
	// command-line parsing, configuration, and execution.
	cmd.Execute()
}
