package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// DefaultEnvPrefix is the environment variable prefix.
const DefaultEnvPrefix = "GOIM_"

// Loader layers configuration sources into a Config.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the YAML file path. Empty means no file.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader returns a loader seeded with Default.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads defaults, file and environment, then overrides (typically the
// flags the user actually set), and returns the merged Config.
func (l *Loader) Load(overrides map[string]any) (Config, error) {
	var cfg Config

	if err := l.k.Load(mapProvider(defaultMap()), nil); err != nil {
		return cfg, errors.Wrap(err, "load defaults")
	}
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return cfg, errors.Wrapf(err, "load file %s", l.filePath)
		}
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return cfg, errors.Wrap(err, "load env")
	}
	if len(overrides) > 0 {
		if err := l.k.Load(mapProvider(overrides), nil); err != nil {
			return cfg, errors.Wrap(err, "load overrides")
		}
	}

	if err := l.k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// envKey maps GOIM_CLIENT_LOGIN_TIMEOUT to client.login_timeout. Only the
// first underscore separates section from key; the rest belong to the key.
func (l *Loader) envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// mapProvider is a koanf provider backed by a flat map of dotted keys.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

// Read unflattens dotted keys so they merge with nested file values.
func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any)
	for key, v := range m {
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return out, nil
}
