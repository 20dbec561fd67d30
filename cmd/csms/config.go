package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Listen ListenConfig `toml:"listen"`
	Admin  AdminConfig  `toml:"admin"`
	Log    LogConfig    `toml:"log"`
	OCPP   OCPPConfig   `toml:"ocpp"`
}

// ListenConfig is the device-facing WebSocket listener. TLS is enabled when
// both cert_file and key_file are set.
type ListenConfig struct {
	Addr     string `toml:"addr"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type AdminConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type OCPPConfig struct {
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	CallTimeout       duration `toml:"call_timeout"`
}

// duration accepts Go duration strings ("90s", "1m30s") in TOML values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":8887"},
		Admin:  AdminConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
		OCPP: OCPPConfig{
			HeartbeatInterval: duration{10 * time.Second},
			CallTimeout:       duration{30 * time.Second},
		},
	}
}

// LoadConfig reads a TOML file over the defaults. An empty path returns the
// defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen.Addr == "" {
		return errors.New("listen.addr must not be empty")
	}
	if (c.Listen.CertFile == "") != (c.Listen.KeyFile == "") {
		return errors.New("listen.cert_file and listen.key_file must be set together")
	}
	if c.OCPP.HeartbeatInterval.Duration <= 0 {
		return errors.New("ocpp.heartbeat_interval must be positive")
	}
	if c.OCPP.CallTimeout.Duration <= 0 {
		return errors.New("ocpp.call_timeout must be positive")
	}
	return nil
}
