package main

import (
	"os"

	"ctprep/cmd/ctprep/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
