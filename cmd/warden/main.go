// Command warden gates actions behind policy and approval chains.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/warden/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
