package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/wplace-tools/guardmaster/command"
	"github.com/wplace-tools/guardmaster/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	c := cli.NewCLI("guardmaster", version.GetVersion().FullVersionNumber(true))
	c.Args = args
	c.Commands = command.Commands(nil)
	c.HelpWriter = os.Stdout

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
