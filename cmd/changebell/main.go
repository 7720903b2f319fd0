package main

import (
	"fmt"
	"os"

	"github.com/ppiankov/changebell/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "changebell: %v\n", err)
		os.Exit(1)
	}
}
