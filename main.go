package main

import (
	"fmt"
	"os"

	"github.com/thomsoren/openar-it2901-ntnu/cmd/orchestrator"
)

func main() {
	if err := orchestrator.RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
