package dispatch

import (
	"time"

	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

// DefaultTransport is used when Config.Transport is empty.
const DefaultTransport = "tcp"

// Config is the configuration of a dispatch server instance
type Config struct {
	// Address is the host to bind to, empty for all interfaces.
	Address   string
	Transport string
	Options   transport.Options

	// ReadTimeout bounds reading the single message of an accepted
	// connection. Zero waits forever.
	ReadTimeout time.Duration

	// ReapInterval enables periodic removal of clients whose connection
	// reports closed. Zero disables the reaper.
	ReapInterval time.Duration

	// Spawner runs handlers. Nil selects Unbounded().
	Spawner Spawner

	// LookupURL is queried after binding to log the public address.
	LookupURL     string
	LookupTimeout time.Duration

	Verbose bool

	OnClientRegistered    func(msg *wire.Message, conn transport.Conn)
	AfterClientRegistered func()

	// OnClientEvicted is called once per evicted connection, even when it
	// was registered more than once.
	OnClientEvicted func(conn transport.Conn)
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() Config {
	return Config{
		Transport:     DefaultTransport,
		Spawner:       Unbounded(),
		LookupTimeout: 5 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if cfg.Spawner == nil {
		cfg.Spawner = Unbounded()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}
	if cfg.ReapInterval < 0 {
		cfg.ReapInterval = 0
	}
	return cfg
}
