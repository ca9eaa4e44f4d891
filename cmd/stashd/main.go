package main

import (
	"os"

	"voxelstash.ai/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
