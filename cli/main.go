package main

import (
	"os"

	"github.com/mesa-systems/mesa-stack/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
