package main

import (
	"os"

	"github.com/luciuslab/concierge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
