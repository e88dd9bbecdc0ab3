package main

import (
	"os"

	"github.com/retrace-project/retrace/cmd/retrace/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
