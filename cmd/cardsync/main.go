// Command cardsync runs the card store, sync agents and scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cardsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
