// The main package for the repo-scanner executable.
package main

import (
	"github.com/JakeFAU/repo-scanner/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
