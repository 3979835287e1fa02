package main

import (
	"github.com/awnumar/memguard"

	"github.com/schoolhub/sessionkeeper/cmd/sessionkeeper/cmd"
)

func main() {
	// Wipe secrets on Ctrl-C as well as on normal exit.
	memguard.CatchInterrupt()
	cmd.Execute()
}
