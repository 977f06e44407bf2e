// Package main is the entry point for the tiller CLI.
package main

import (
	"fmt"
	"os"

	"tiller/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
