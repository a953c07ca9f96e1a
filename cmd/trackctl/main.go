package main

import (
	"os"

	"github.com/ignite/engagement-tracker/internal/cli"
)

func main() {
	if err := cli.Run(); err != nil {
		os.Exit(1)
	}
}
