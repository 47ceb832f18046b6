package main

import (
	"os"

	"github.com/firefart/dmarcpipeline/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
