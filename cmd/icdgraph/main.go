package main

import (
	"fmt"
	"os"

	"icdgraph/internal/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, fix := range errors.GetSuggestedFixes(errors.CodeOf(err)) {
			switch fix.Type {
			case errors.RunCommand:
				fmt.Fprintf(os.Stderr, "  try: %s  (%s)\n", fix.Command, fix.Description)
			case errors.EditConfig:
				fmt.Fprintf(os.Stderr, "  set %s: %s\n", fix.Key, fix.Description)
			}
		}
		os.Exit(1)
	}
}
