package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

const templateHeader = `# abxclient configuration.
# Durations use Go syntax ("2s", "500ms"). Remove a key to keep its default.

`

// Template renders Default() as TOML.
func Template() (string, error) {
	body, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", fmt.Errorf("config: render template: %w", err)
	}
	return templateHeader + string(body), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s: %w", path, os.ErrExist)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
