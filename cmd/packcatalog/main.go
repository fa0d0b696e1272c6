// Command packcatalog browses structure packs and serves the browse API.
package main

import (
	"os"

	"github.com/structurize/packcatalog/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
