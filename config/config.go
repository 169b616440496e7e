// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type Folder struct {
	URI  string
	Path string
}

type Config struct {
	Database string

	Folders []Folder

	// ParseConcurrency bounds the concurrent MIME-extraction stage of bulk
	// indexing. Threading itself is always serialized.
	ParseConcurrency int

	Loglevel *string
}

func ReadConfig(filename string) (*Config, error) {
	config := &Config{
		Database:         "gloda.db",
		ParseConcurrency: 8,
	}

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.Database, "Database name must not be empty, set to a filename for the sqlite database"); err != nil {
		return err
	}

	if len(c.Folders) == 0 {
		return fmt.Errorf("at least one [[Folders]] entry is required, set URI and Path per folder to index")
	}

	for i, f := range c.Folders {
		if err := validateNonEmptyStringField(f.URI, fmt.Sprintf("Folders[%d].URI must not be empty, set to a unique folder identifier", i)); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(f.Path, fmt.Sprintf("Folders[%d].Path must not be empty, set to a directory of raw messages", i)); err != nil {
			return err
		}
	}

	if c.ParseConcurrency < 1 {
		return fmt.Errorf("ParseConcurrency must be at least 1, got %d", c.ParseConcurrency)
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
