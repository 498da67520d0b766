package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option for the edge service.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Cache    CacheConfig    `koanf:"cache"`
	Presence PresenceConfig `koanf:"presence"`
	Visitors VisitorsConfig `koanf:"visitors"`
	Grid     GridConfig     `koanf:"grid"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// UpstreamConfig points the proxy at the site origin it fronts.
type UpstreamConfig struct {
	Origin         string `koanf:"origin"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// CacheConfig drives the generation store and the install manifest.
type CacheConfig struct {
	Backend      string           `koanf:"backend"`
	Version      string           `koanf:"version"`
	Manifest     []string         `koanf:"manifest"`
	ManifestFile string           `koanf:"manifestFile"`
	AllowedHosts []string         `koanf:"allowedHosts"`
	MaxBodyBytes int64            `koanf:"maxBodyBytes"`
	Redis        RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PresenceConfig names the third-party status endpoint the relay polls.
type PresenceConfig struct {
	URL             string `koanf:"url"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
}

// VisitorsConfig locates the visitor counter database and its cookie.
type VisitorsConfig struct {
	DatabaseFile string `koanf:"databaseFile"`
	CookieName   string `koanf:"cookieName"`
}

// GridConfig shapes the animated background renderer.
type GridConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Direction      string  `koanf:"direction"`
	Speed          float64 `koanf:"speed"`
	SquareSize     float64 `koanf:"squareSize"`
	BorderColor    string  `koanf:"borderColor"`
	HoverFillColor string  `koanf:"hoverFillColor"`
	FadeColor      string  `koanf:"fadeColor"`
	Scale          float64 `koanf:"scale"`
	FPS            int     `koanf:"fps"`
	Width          int     `koanf:"width"`
	Height         int     `koanf:"height"`
}

// DefaultConfig mirrors the deployed defaults so an empty file still yields a
// runnable service once an upstream origin is supplied.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Upstream: UpstreamConfig{
				TimeoutSeconds: 10,
			},
			Cache: CacheConfig{
				Backend:      "memory",
				Version:      "v1",
				AllowedHosts: []string{"googleapis.com", "gstatic.com", "fontawesome.com"},
				MaxBodyBytes: 4 << 20,
			},
			Presence: PresenceConfig{
				IntervalSeconds: 30,
			},
			Visitors: VisitorsConfig{
				DatabaseFile: "visitors.db",
				CookieName:   "bloxberg_visitor",
			},
			Grid: GridConfig{
				Enabled:        true,
				Direction:      "right",
				Speed:          1,
				SquareSize:     40,
				BorderColor:    "#333333",
				HoverFillColor: "#222222",
				FadeColor:      "#060010",
				Scale:          1,
				FPS:            30,
				Width:          1280,
				Height:         720,
			},
		},
	}
}

// Validate rejects configurations the runtime agents cannot act on.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Upstream.Origin) == "" {
		return errors.New("config: upstream origin required")
	}
	origin, err := url.Parse(c.Server.Upstream.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("config: upstream origin %q is not an absolute URL", c.Server.Upstream.Origin)
	}
	if strings.TrimSpace(c.Server.Cache.Version) == "" {
		return errors.New("config: cache version required")
	}
	for _, entry := range c.Server.Cache.Manifest {
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("config: manifest entry %q: %w", entry, err)
		}
	}
	if c.Server.Cache.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: cache maxBodyBytes must be positive, got %d", c.Server.Cache.MaxBodyBytes)
	}
	if c.Server.Presence.URL != "" && c.Server.Presence.IntervalSeconds <= 0 {
		return fmt.Errorf("config: presence interval must be positive, got %d", c.Server.Presence.IntervalSeconds)
	}
	return nil
}

// UpstreamURL returns the parsed upstream origin. Validate must have passed.
func (c Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(c.Server.Upstream.Origin)
}
