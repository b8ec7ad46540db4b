package main

import (
	"fmt"
	"os"

	"github.com/lagoonworks/silt/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "silt:", err)
		os.Exit(1)
	}
}
