package main

import (
	"os"

	"github.com/karasz/logarchive/cmd/logarchive/commands"
)

func main() {
	os.Exit(commands.Run(os.Args[1:], os.Stdout, os.Stderr))
}
