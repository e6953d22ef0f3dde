// Command terra exercises the lock coordinator and batch buffer from the
// command line and serves them over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "terra:", err)
		os.Exit(1)
	}
}
