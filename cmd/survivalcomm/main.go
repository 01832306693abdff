package main

import (
	"os"

	"github.com/Iriartelabs/survivalcomm/cmd/survivalcomm/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
