package command

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/wplace-tools/guardmaster/command/agent"
	"github.com/wplace-tools/guardmaster/version"
)

// Commands returns the mapping of CLI commands.
func Commands(shutdownCh <-chan struct{}) map[string]cli.CommandFactory {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Ui:         ui,
				Version:    version.GetVersion(),
				ShutdownCh: shutdownCh,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Ui:      ui,
				Version: version.GetVersion(),
			}, nil
		},
	}
}
