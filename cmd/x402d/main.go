package main

import (
	"os"

	"github.com/x402-foundation/x402-commerce/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
