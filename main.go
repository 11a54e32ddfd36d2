// The main package for the events-ingest executable.
package main

import (
	"github.com/JakeFAU/events-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
