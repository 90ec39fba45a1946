package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/marigold-dev/gas-station/cli/server"
	"github.com/marigold-dev/gas-station/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "Gas Station\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a gas station instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "gas-station"
	ctl.Version = config.Version
	ctl.Usage = "Meta-transaction relay for Tezos"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, server.NewCommands()...)
	return ctl
}
