package main

import (
	"os"

	"github.com/ryosukesatoh/tweet-digest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
