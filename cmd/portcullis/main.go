package main

import (
	"os"

	"github.com/portcullis-systems/portcullis/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
