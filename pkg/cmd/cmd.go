package cmd

import (
	"fmt"
	"os"
)

// ExitWithErr reports err on stderr and terminates the process with a non-zero status.
func ExitWithErr(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
