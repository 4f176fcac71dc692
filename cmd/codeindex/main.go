// Package main provides the entry point for the codeindex CLI.
package main

import (
	"fmt"
	"os"

	"github.com/aman-cerp/codeindex/cmd/codeindex/cmd"
	"github.com/aman-cerp/codeindex/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err))
		os.Exit(1)
	}
}
