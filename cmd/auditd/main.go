// Command auditd runs the smart-contract audit service and its operator
// tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/smartaudit/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
