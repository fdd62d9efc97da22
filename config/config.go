// Package config loads engine and transport settings from TOML. A config
// names at most one transport section; Build turns it into the matching
// transport, defaulting to stdio when no section is present.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	mcperr "github.com/conikeec/mcpr/errors"
	"github.com/conikeec/mcpr/transport"
)

// Config is the root of a TOML configuration file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Socket    SocketConfig    `toml:"socket"`
	WebSocket WebSocketConfig `toml:"websocket"`
	SSE       SSEConfig       `toml:"sse"`
}

// ServerConfig carries the server engine settings.
type ServerConfig struct {
	Name         string `toml:"name"`
	Version      string `toml:"version"`
	MaxErrors    int    `toml:"max_errors"`
	RetryDelayMS int    `toml:"retry_delay_ms"`
}

// RetryDelay returns the retry delay as a duration.
func (s ServerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// SocketConfig configures the TCP transport. Listen selects listener mode.
type SocketConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Listen bool   `toml:"listen"`
}

// Addr returns the host:port address of the socket section.
func (s SocketConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s SocketConfig) enabled() bool { return s.Port != 0 }

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	URL string `toml:"url"`
}

func (w WebSocketConfig) enabled() bool { return w.URL != "" }

// SSEConfig configures the SSE transport. Addr selects server mode;
// EventsURL selects client mode.
type SSEConfig struct {
	Addr       string `toml:"addr"`
	EventsURL  string `toml:"events_url"`
	MessageURL string `toml:"message_url"`
}

func (s SSEConfig) enabled() bool { return s.Addr != "" || s.EventsURL != "" }

// Default returns the configuration used when no file is given: a stdio
// transport and the stock retry policy.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:         "mcpr-server",
			Version:      "0.1.0",
			MaxErrors:    5,
			RetryDelayMS: 100,
		},
	}
}

// Load parses a TOML document, applying defaults for absent fields.
func Load(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, mcperr.Deserialization(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile parses the TOML file at path, applying defaults for absent
// fields.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, mcperr.Deserialization(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks section consistency.
func (c Config) Validate() error {
	sections := 0
	if c.Socket.enabled() {
		sections++
		if c.Socket.Port < 1 || c.Socket.Port > 65535 {
			return mcperr.InvalidRequest("socket port must be between 1 and 65535")
		}
	}
	if c.WebSocket.enabled() {
		sections++
	}
	if c.SSE.enabled() {
		sections++
		if c.SSE.Addr != "" && c.SSE.EventsURL != "" {
			return mcperr.InvalidRequest("sse section must set either addr or events_url, not both")
		}
	}
	if sections > 1 {
		return mcperr.InvalidRequest("config must name at most one transport section")
	}
	if c.Server.MaxErrors < 0 {
		return mcperr.InvalidRequest("server max_errors must not be negative")
	}
	if c.Server.RetryDelayMS < 0 {
		return mcperr.InvalidRequest("server retry_delay_ms must not be negative")
	}
	return nil
}

// Build constructs the transport the configuration names. With no
// transport section it falls back to stdio.
func (c Config) Build() (transport.Transport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch {
	case c.Socket.enabled():
		if c.Socket.Listen {
			return transport.ListenTCP(c.Socket.Addr()), nil
		}
		return transport.DialTCP(c.Socket.Addr()), nil
	case c.WebSocket.enabled():
		return transport.DialWebSocket(c.WebSocket.URL), nil
	case c.SSE.enabled():
		if c.SSE.Addr != "" {
			return transport.NewSSEServer(c.SSE.Addr), nil
		}
		return transport.NewSSEClient(c.SSE.EventsURL, c.SSE.MessageURL), nil
	default:
		return transport.NewStdioTransport(), nil
	}
}
