package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"

	"github.com/wplace-tools/guardmaster/version"
)

// Command is the "agent" CLI command. It runs the master until it receives an
// interrupt or termination signal.
type Command struct {
	Ui         cli.Ui
	Version    *version.VersionInfo
	ShutdownCh <-chan struct{}

	args []string
}

func (c *Command) readConfig() *Config {
	config := DefaultConfig()

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }
	flags.StringVar(&config.BindAddr, "bind", config.BindAddr, "")
	flags.IntVar(&config.Port, "port", config.Port, "")
	flags.StringVar(&config.DatabaseURL, "database-url", config.DatabaseURL, "")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}
	return config
}

func (c *Command) Run(args []string) int {
	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:  "guardmaster",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	agent, err := NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}

	srv, err := NewHTTPServer(agent, config)
	if err != nil {
		agent.Shutdown()
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Guardmaster agent started! Version: %s", c.Version.VersionNumber()))
	c.Ui.Output(fmt.Sprintf("       Address: %s", srv.Addr))
	c.Ui.Output(fmt.Sprintf("      Database: %s", config.DatabaseURL))
	c.Ui.Output(fmt.Sprintf("     Log Level: %s", config.LogLevel))
	c.Ui.Output("")
	c.Ui.Output("Guardmaster agent running! Log data will stream in below:")

	ret := c.handleSignals(logger)

	srv.Shutdown()
	if err := agent.Shutdown(); err != nil {
		logger.Error("error during shutdown", "error", err)
		return 1
	}
	return ret
}

func (c *Command) handleSignals(logger hclog.Logger) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		logger.Info("caught signal", "signal", sig.String())
	case <-c.ShutdownCh:
		logger.Info("shutdown requested")
	}
	return 0
}

func (c *Command) Synopsis() string {
	return "Runs the guard master agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: guardmaster agent [options]

  Starts the guard master agent: the HTTP API, the slave and UI websocket
  endpoints, and the session orchestrator.

Options:

  -bind=<addr>
    The address to bind the HTTP and websocket server to. Defaults to
    0.0.0.0.

  -port=<port>
    The port to listen on. Defaults to 8000.

  -database-url=<url>
    The persistence DSN, e.g. "sqlite://master.db". Defaults to the
    DATABASE_URL environment variable when set.

  -log-level=<level>
    The verbosity of the agent's logging. Defaults to INFO.
`
	return strings.TrimSpace(helpText)
}
