package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the CLI configuration, loaded from a YAML file with
// environment overrides on top.
type Settings struct {
	// DataDir holds the tracking database and the result cache.
	DataDir string `yaml:"data_dir"`
}

// DefaultSettingsFile is consulted when --settings is not given; a
// missing default file is not an error.
const DefaultSettingsFile = "silt.yaml"

func defaultSettings() Settings {
	return Settings{DataDir: ".silt"}
}

// LoadSettings reads the settings file at path and applies environment
// overrides (SILT_DATA_DIR). An empty path loads the default file if
// present.
func LoadSettings(path string) (Settings, error) {
	s := defaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	if v := os.Getenv("SILT_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if s.DataDir == "" {
		return Settings{}, fmt.Errorf("settings: data_dir must not be empty")
	}
	return s, nil
}
