package config

import (
	"encoding/json"
	"fmt"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "ODOH_"

type Source struct {
	Provider func(k *koanf.Koanf) koanf.Provider
	Parser   koanf.Parser
	Options  []koanf.Option
}

func NewJsonFileSource(path string) *Source {
	return &Source{
		Provider: func(_ *koanf.Koanf) koanf.Provider {
			return file.Provider(path)
		},
		Parser: kjson.Parser(),
	}
}

// NewEnvVarSource reads ODOH_-prefixed variables. A double underscore separates nested
// keys, so ODOH_UPSTREAM__ADDRESS sets upstream.address.
func NewEnvVarSource() *Source {
	return &Source{
		Provider: func(_ *koanf.Koanf) koanf.Provider {
			return env.Provider(envPrefix, ".", func(s string) string {
				s = strings.TrimPrefix(s, envPrefix)
				s = strings.ToLower(s)
				return strings.ReplaceAll(s, "__", ".")
			})
		},
	}
}

// NewPFlagSource maps command-line flags onto config keys. Flags listed in FlagKeys use
// that key; any other flag maps to its name with dashes replaced by underscores. Flags the
// user did not set are skipped so they never mask file or environment values.
func NewPFlagSource(flagSet *pflag.FlagSet) *Source {
	return &Source{
		Provider: func(k *koanf.Koanf) koanf.Provider {
			return posflag.ProviderWithFlag(flagSet, ".", k, func(f *pflag.Flag) (string, interface{}) {
				if !f.Changed {
					return "", nil
				}
				key, ok := FlagKeys[f.Name]
				if !ok {
					key = strings.ReplaceAll(f.Name, "-", "_")
				}
				return key, posflag.FlagVal(flagSet, f)
			})
		},
	}
}

// FlagKeys lists the config key set by each server flag.
var FlagKeys = map[string]string{
	"listen-addr":       "http.listen_addr",
	"tls-cert":          "http.tls_cert",
	"tls-key":           "http.tls_key",
	"http3":             "http.http3",
	"rotation-interval": "odoh.key_rotation_interval",
	"aead":              "odoh.aead",
	"upstream":          "upstream.address",
	"log-level":         "logging.level",
	"log-pretty":        "logging.pretty",
}

func NewStructSource(config Config) (*Source, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to json: %w", err)
	}

	return &Source{
		Provider: func(k *koanf.Koanf) koanf.Provider {
			return rawbytes.Provider(raw)
		},
		Parser: kjson.Parser(),
	}, nil
}

func LoadStruct(k *koanf.Koanf, config Config) error {
	// The structs provider merges unset values over set ones. Going through JSON lets
	// omitempty drop them instead.
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to json: %w", err)
	}

	if err := k.Load(rawbytes.Provider(raw), kjson.Parser()); err != nil {
		return fmt.Errorf("failed to load config from json bytes: %w", err)
	}

	return nil
}

// LoadSources loads the defaults and then each source in order. Later sources override
// earlier ones. The merged result is validated.
func LoadSources(sources ...*Source) (Config, error) {
	k := koanf.New(".")
	if err := LoadStruct(k, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, source := range sources {
		if err := k.Load(source.Provider(k), source.Parser, source.Options...); err != nil {
			return Config{}, fmt.Errorf("failed to load config source: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
