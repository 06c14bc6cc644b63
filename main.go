package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("e2erun"),
		kong.Description("Prepare a local stack and run the end-to-end suite against it."),
		kong.UsageOnError(),
		kong.Vars{"version": "e2erun v" + version},
	)

	if ctx.Command() != "upgrade" {
		startUpdateCheck()
	}

	err := ctx.Run()
	printUpdateNotice()

	if err != nil {
		if !errors.Is(err, ErrInterrupted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}
