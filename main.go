// Tendril - causal chat log for peer-to-peer conversations
// Content-addressed, append-only, converges without a central server
package main

import (
	"fmt"
	"os"

	"github.com/CanopyHQ/tendril/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
