package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules
// and folds the manifest file, when configured, into the inline manifest.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.upstream.timeoutseconds":  "server.upstream.timeoutSeconds",
			"server.cache.manifestfile":       "server.cache.manifestFile",
			"server.cache.allowedhosts":       "server.cache.allowedHosts",
			"server.cache.maxbodybytes":       "server.cache.maxBodyBytes",
			"server.cache.redis.tls.cafile":   "server.cache.redis.tls.caFile",
			"server.presence.intervalseconds": "server.presence.intervalSeconds",
			"server.visitors.databasefile":    "server.visitors.databaseFile",
			"server.visitors.cookiename":      "server.visitors.cookieName",
			"server.grid.squaresize":          "server.grid.squareSize",
			"server.grid.bordercolor":         "server.grid.borderColor",
			"server.grid.hoverfillcolor":      "server.grid.hoverFillColor",
			"server.grid.fadecolor":           "server.grid.fadeColor",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Server.Cache.ManifestFile != "" {
		entries, err := ReadManifest(cfg.Server.Cache.ManifestFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Server.Cache.Manifest = MergeManifest(cfg.Server.Cache.Manifest, entries)
	}
	return cfg, nil
}

// parserFor picks a koanf parser by file extension so operators can keep
// configs in whichever format their deploy tooling emits.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config format %q", filepath.Ext(path))
	}
}

// ReadManifest parses a manifest file: a JSON array of asset URL strings.
func ReadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	return entries, nil
}

// MergeManifest appends file entries to the inline manifest, dropping
// duplicates and blanks while preserving first-seen order.
func MergeManifest(inline, fromFile []string) []string {
	seen := make(map[string]struct{}, len(inline)+len(fromFile))
	merged := make([]string, 0, len(inline)+len(fromFile))
	for _, entry := range append(append([]string{}, inline...), fromFile...) {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		merged = append(merged, trimmed)
	}
	return merged
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"upstream": map[string]any{
				"origin":         cfg.Server.Upstream.Origin,
				"timeoutSeconds": cfg.Server.Upstream.TimeoutSeconds,
			},
			"cache": map[string]any{
				"backend":      cfg.Server.Cache.Backend,
				"version":      cfg.Server.Cache.Version,
				"manifest":     cfg.Server.Cache.Manifest,
				"manifestFile": cfg.Server.Cache.ManifestFile,
				"allowedHosts": cfg.Server.Cache.AllowedHosts,
				"maxBodyBytes": cfg.Server.Cache.MaxBodyBytes,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"presence": map[string]any{
				"url":             cfg.Server.Presence.URL,
				"intervalSeconds": cfg.Server.Presence.IntervalSeconds,
			},
			"visitors": map[string]any{
				"databaseFile": cfg.Server.Visitors.DatabaseFile,
				"cookieName":   cfg.Server.Visitors.CookieName,
			},
			"grid": map[string]any{
				"enabled":        cfg.Server.Grid.Enabled,
				"direction":      cfg.Server.Grid.Direction,
				"speed":          cfg.Server.Grid.Speed,
				"squareSize":     cfg.Server.Grid.SquareSize,
				"borderColor":    cfg.Server.Grid.BorderColor,
				"hoverFillColor": cfg.Server.Grid.HoverFillColor,
				"fadeColor":      cfg.Server.Grid.FadeColor,
				"scale":          cfg.Server.Grid.Scale,
				"fps":            cfg.Server.Grid.FPS,
				"width":          cfg.Server.Grid.Width,
				"height":         cfg.Server.Grid.Height,
			},
		},
	}
}
