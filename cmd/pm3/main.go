// Command pm3 is the client CLI: it talks to a running pm3d over the local
// RPC socket, auto-starting the daemon on first use (spec.md §4.i).
package main

import (
	"fmt"
	"os"

	"github.com/s3bba/pm3/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pm3:", err)
		os.Exit(1)
	}
}
