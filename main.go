package main

import (
	"os"

	"github.com/sagedata/sage/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// usage and IO failures; validation failures exit 1 from the command
		os.Exit(2)
	}
}
