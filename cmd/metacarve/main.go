package main

import (
	"os"

	"github.com/metacarve/metacarve/cmd/metacarve/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
