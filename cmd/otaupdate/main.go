// Command otaupdate is the device-side entry point for the update
// engine: a CLI for one-shot standalone installs and a long-running
// daemon mode driven by the deployment service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCodeFor(err))
	}
}
