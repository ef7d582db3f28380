package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileNames are searched, in order, when no config path is given.
//
//nolint:gochecknoglobals // fixed search list
var DefaultFileNames = []string{"darwin.yaml", "darwin.yml", filepath.Join(".darwin", "config.yaml")}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path, or from the first default file in the working directory
// when path is empty. A missing default file is not an error; settings then come from the
// environment alone. Order of precedence: environment, secrets file, YAML, defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile(".")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg after substituting ${VAR} placeholders from the environment.
// Unset variables are left as written.
func Parse(data []byte, cfg *Config) error {
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// FindConfigFile returns the first default config file present in dir, or "".
func FindConfigFile(dir string) string {
	for _, name := range DefaultFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) error {
	return applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverridesRecursive(field); err != nil {
				return err
			}
			continue
		}

		name := fieldType.Tag.Get("env")
		if name == "" {
			continue
		}

		var value string
		if fieldType.Tag.Get("secret") == "true" {
			value, _ = GetSecret(name)
		} else {
			value = os.Getenv(name)
		}
		if value == "" {
			continue
		}
		if err := setFieldFromEnv(field, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", value, err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
