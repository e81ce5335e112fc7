// Command bridgectl drives a command bridge from the shell: it sends one-off
// commands, runs a long-lived monitored bridge, or serves a demo peer.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
