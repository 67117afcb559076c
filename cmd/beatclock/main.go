// Command beatclock runs the shared tempo server and its clients.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/beatclock/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
