package agent

import (
	"fmt"
	"os"

	"github.com/wplace-tools/guardmaster/state"
)

// Config holds the agent's process configuration.
type Config struct {
	// BindAddr is the address the HTTP/WebSocket server listens on.
	BindAddr string

	// Port is the listen port.
	Port int

	// DatabaseURL selects the persistence DSN, e.g. "sqlite://master.db".
	DatabaseURL string

	// LogLevel is the hclog level name.
	LogLevel string
}

// DefaultConfig returns the baseline configuration. DATABASE_URL from the
// environment overrides the sqlite default.
func DefaultConfig() *Config {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = state.DefaultDatabaseURL
	}
	return &Config{
		BindAddr:    "0.0.0.0",
		Port:        8000,
		DatabaseURL: dbURL,
		LogLevel:    "INFO",
	}
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}
