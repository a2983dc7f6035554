package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the environment prefix used by Load when none is given.
const DefaultEnvPrefix = "EVENTCORE"

// Load builds Settings from defaults, an optional file and environment
// overrides, in that order of precedence (environment wins).
//
// The file format follows its extension (yaml, yml, json, toml). Environment
// keys are the prefix plus the upper-cased setting path joined with
// underscores, e.g. EVENTCORE_QUEUE_MAX_SIZE.
func Load(path, envPrefix string) (Settings, error) {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Settings{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Settings{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		fv := viper.New()
		fv.SetConfigFile(path)
		if err := fv.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
			return Settings{}, fmt.Errorf("merge config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if s.Integrations == nil {
		s.Integrations = map[string]map[string]any{}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// FromYAML parses YAML settings on top of the defaults.
func FromYAML(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ValuesFromFile loads handler configuration from a file, auto-detecting
// format by extension. Supported extensions: .yaml, .yml, .json
func ValuesFromFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return ValuesFromYAML(data)
	case ".json":
		return ValuesFromJSON(data)
	default:
		return Values{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// ValuesFromYAML parses YAML data into Values.
func ValuesFromYAML(data []byte) (Values, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Values{}, fmt.Errorf("parse yaml: %w", err)
	}
	return NewValues(m), nil
}

// ValuesFromJSON parses JSON data into Values.
func ValuesFromJSON(data []byte) (Values, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Values{}, fmt.Errorf("parse json: %w", err)
	}
	return NewValues(m), nil
}
