package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/digineo/dispatchd/dispatch"
)

// defaultWSPath is shared by the server and the send/listen subcommands.
const defaultWSPath = "/dispatch"

type fileConfig struct {
	Address       string `toml:"address"`
	Port          int    `toml:"port"`
	Transport     string `toml:"transport"`
	Verbose       bool   `toml:"verbose"`
	ReadTimeout   string `toml:"read_timeout"`
	ReapInterval  string `toml:"reap_interval"`
	Workers       int    `toml:"workers"`
	Queue         int    `toml:"queue"`
	LookupURL     string `toml:"lookup_url"`
	LookupTimeout string `toml:"lookup_timeout"`
	ReusePort     bool   `toml:"reuse_port"`
	WSPath        string `toml:"ws_path"`
	MaxFrameSize  uint32 `toml:"max_frame_size"`
}

type serverConfig struct {
	Port    int
	Workers int
	Queue   int

	Dispatch dispatch.Config
}

func defaultServerConfig() serverConfig {
	cfg := serverConfig{
		Port:     10000,
		Queue:    64,
		Dispatch: dispatch.DefaultConfig(),
	}
	cfg.Dispatch.ReadTimeout = 10 * time.Second
	cfg.Dispatch.Options.Path = defaultWSPath
	return cfg
}

// loadConfig applies the keys defined in the TOML file at path to cfg.
func loadConfig(path string, cfg *serverConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("load config: unknown keys %v", undecoded)
	}

	d := &cfg.Dispatch

	if meta.IsDefined("address") {
		d.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("port") {
		if raw.Port < 0 || raw.Port > 65535 {
			return errors.Errorf("port %d out of range", raw.Port)
		}
		cfg.Port = raw.Port
	}
	if meta.IsDefined("transport") {
		d.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("verbose") {
		d.Verbose = raw.Verbose
	}
	if meta.IsDefined("read_timeout") {
		if d.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("reap_interval") {
		if d.ReapInterval, err = parseDuration("reap_interval", raw.ReapInterval); err != nil {
			return err
		}
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("queue") {
		cfg.Queue = raw.Queue
	}
	if meta.IsDefined("lookup_url") {
		d.LookupURL = strings.TrimSpace(raw.LookupURL)
	}
	if meta.IsDefined("lookup_timeout") {
		if d.LookupTimeout, err = parseDuration("lookup_timeout", raw.LookupTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("reuse_port") {
		d.Options.ReusePort = raw.ReusePort
	}
	if meta.IsDefined("ws_path") {
		d.Options.Path = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("max_frame_size") {
		d.Options.MaxFrameSize = raw.MaxFrameSize
	}

	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}
