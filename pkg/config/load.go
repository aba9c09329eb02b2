package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "config/config.yaml"

// Load reads the configuration file at path, resolving environment
// placeholders, applying overrides and validating the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s not found: copy config.yaml.example to %s and configure it", path, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Path = path

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of DefaultConfig, substituting ${VAR}
// placeholders through lookup. It does not validate.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	substituteEnv(&root, lookup)

	cfg := DefaultConfig()
	if root.Kind == 0 {
		return cfg, nil
	}
	if err := root.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// placeholder matches ${NAME}. Bare $NAME is left alone so secrets containing
// dollar signs survive.
var placeholder = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// substituteEnv walks the node tree and expands placeholders in string scalars.
// Unset variables keep their placeholder text.
func substituteEnv(n *yaml.Node, lookup func(string) (string, bool)) {
	if n.Kind == yaml.ScalarNode && n.Tag != "!!binary" && strings.Contains(n.Value, "${") {
		n.Value = placeholder.ReplaceAllStringFunc(n.Value, func(m string) string {
			if v, ok := lookup(m[2 : len(m)-1]); ok {
				return v
			}
			return m
		})
		// Plain scalars are re-resolved so "port: ${PORT}" decodes into an int.
		if n.Style == 0 && n.Tag == "!!str" {
			n.Tag = ""
		}
	}
	for _, child := range n.Content {
		substituteEnv(child, lookup)
	}
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("SERVER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT must be an integer, got %q", v)
		}
		cfg.Server.Port = port
	}
	return nil
}
