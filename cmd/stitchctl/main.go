package main

import (
	"os"

	"github.com/videoforge/stitchd/cmd/stitchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
