package main

import (
	"os"

	"kryptera/cmd/kryptera/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
