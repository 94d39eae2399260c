package main

import (
	"fmt"
	"os"

	"github.com/sandeepkv93/execgate/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "execgate:", err)
		os.Exit(1)
	}
}
