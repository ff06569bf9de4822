package main

import (
	"os"

	"github.com/taskmill/taskmill/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
