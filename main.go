// The main package for the nekoparser executable.
package main

import (
	"github.com/nekoteam-llc/nekoparser/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
