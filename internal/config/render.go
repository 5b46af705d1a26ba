package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Settings returns the effective key/value settings with secrets redacted.
func (c *Configuration) Settings() map[string]any {
	out := make(map[string]any, len(c.settings))
	for k, v := range c.settings {
		out[k] = v
	}
	redact(out, "api", "token")
	redact(out, "sentry", "dsn")
	return out
}

func redact(settings map[string]any, section, key string) {
	inner, ok := settings[section].(map[string]any)
	if !ok {
		return
	}
	copied := make(map[string]any, len(inner))
	for k, v := range inner {
		copied[k] = v
	}
	if s, ok := copied[key].(string); ok && s != "" {
		copied[key] = redacted
	}
	settings[section] = copied
}

// Render writes the effective configuration as yaml or toml.
func (c *Configuration) Render(w io.Writer, format string) error {
	settings := c.Settings()
	switch format {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(settings); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q (want yaml or toml)", format)
	}
}
