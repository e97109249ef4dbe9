package main

import (
	"os"

	"github.com/lmzuccarelli/vmifold/pkg/cli"
)

func main() {
	err := cli.Execute()
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
