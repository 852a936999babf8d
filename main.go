// Package main is the entry point of the ramrod daemon and CLI.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/ramrod/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
