// The main package for the scrape worker executable.
package main

import (
	"github.com/selextract/scrape-engine/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
