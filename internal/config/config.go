// Package config loads goim settings.
//
// Sources, later overriding earlier: built-in defaults, a YAML file, GOIM_*
// environment variables, then explicitly set command-line flags.
package config

import (
	"time"

	"github.com/pkg/errors"
)

// Config is the full settings tree.
type Config struct {
	Log    LogConfig    `koanf:"log"`
	Client ClientConfig `koanf:"client"`
	Server ServerConfig `koanf:"server"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// ClientConfig configures `goim client`.
type ClientConfig struct {
	URL            string        `koanf:"url"`
	User           string        `koanf:"user"`
	LoginTimeout   time.Duration `koanf:"login_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"` // 0 waits forever
}

// ServerConfig configures `goim serve`.
type ServerConfig struct {
	Addr      string        `koanf:"addr"`
	QUIC      bool          `koanf:"quic"`
	QUICPort  int           `koanf:"quic_port"`
	WriteWait time.Duration `koanf:"write_wait"`
	ReadWait  time.Duration `koanf:"read_wait"` // 0 disables the read deadline
	HelloWait time.Duration `koanf:"hello_wait"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Client: ClientConfig{
			URL:          "ws://localhost:8000",
			LoginTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:      ":8000",
			WriteWait: 10 * time.Second,
			HelloWait: 5 * time.Second,
		},
	}
}

// defaultMap is Default in koanf key form.
func defaultMap() map[string]any {
	d := Default()
	return map[string]any{
		"log.level":              d.Log.Level,
		"client.url":             d.Client.URL,
		"client.user":            d.Client.User,
		"client.login_timeout":   d.Client.LoginTimeout.String(),
		"client.request_timeout": d.Client.RequestTimeout.String(),
		"server.addr":            d.Server.Addr,
		"server.quic":            d.Server.QUIC,
		"server.quic_port":       d.Server.QUICPort,
		"server.write_wait":      d.Server.WriteWait.String(),
		"server.read_wait":       d.Server.ReadWait.String(),
		"server.hello_wait":      d.Server.HelloWait.String(),
	}
}

// Validate checks the client section.
func (c ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.New("client.url is required")
	}
	if c.User == "" {
		return errors.New("client.user is required")
	}
	if c.LoginTimeout < 0 {
		return errors.Errorf("client.login_timeout must not be negative, got %s", c.LoginTimeout)
	}
	if c.RequestTimeout < 0 {
		return errors.Errorf("client.request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}

// Validate checks the server section.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.QUICPort < 0 || c.QUICPort > 65535 {
		return errors.Errorf("server.quic_port out of range: %d", c.QUICPort)
	}
	if c.WriteWait < 0 {
		return errors.Errorf("server.write_wait must not be negative, got %s", c.WriteWait)
	}
	if c.ReadWait < 0 {
		return errors.Errorf("server.read_wait must not be negative, got %s", c.ReadWait)
	}
	if c.HelloWait < 0 {
		return errors.Errorf("server.hello_wait must not be negative, got %s", c.HelloWait)
	}
	return nil
}
