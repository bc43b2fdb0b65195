package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	configPathEnv = "CONFIG_PATH"
	envPrefix     = "SKIFF_"
)

var defaultConfig = []byte(`
mode: local
prettyLogs: true
cluster:
  namespace: skiff
gateway:
  http:
    host: 0.0.0.0
    port: 1994
  shutdownTimeout: 30s
`)

// ConfigManager loads and provides access to the application configuration.
// Precedence: embedded defaults < CONFIG_PATH yaml file < SKIFF_ env vars.
type ConfigManager[T any] struct {
	k      *koanf.Koanf
	config T
}

// NewConfigManager creates a new config manager for the given config type
func NewConfigManager[T any]() (*ConfigManager[T], error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path := os.Getenv(configPathEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	loadEnvOverrides(k)

	cm := &ConfigManager[T]{k: k}
	if err := k.UnmarshalWithConf("", &cm.config, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cm, nil
}

// NewConfigManagerFromBytes builds a manager from raw yaml, for tests
func NewConfigManagerFromBytes[T any](data []byte) (*ConfigManager[T], error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config bytes: %w", err)
	}

	cm := &ConfigManager[T]{k: k}
	if err := k.UnmarshalWithConf("", &cm.config, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cm, nil
}

// GetConfig returns the loaded configuration
func (cm *ConfigManager[T]) GetConfig() T {
	return cm.config
}

// loadEnvOverrides maps SKIFF_GATEWAY_HTTP_PORT style variables onto
// gateway.http.port style keys.
func loadEnvOverrides(k *koanf.Koanf) {
	for _, pair := range os.Environ() {
		if !strings.HasPrefix(pair, envPrefix) {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(kv[0], envPrefix)), "_", ".")
		k.Set(key, kv[1])
	}
}
