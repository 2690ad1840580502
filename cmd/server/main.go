package main

import (
	"os"

	"github.com/yangwenmai/cookiepool/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
