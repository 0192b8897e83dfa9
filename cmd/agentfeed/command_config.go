package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"agentfeed/internal/config"
)

const (
	configFormatJSON = "json"
	configFormatTOML = "toml"
)

type ConfigCommand struct {
	stdout io.Writer
	stderr io.Writer
	load   func() (config.CoreConfig, error)
}

func NewConfigCommand(stdout, stderr io.Writer, load func() (config.CoreConfig, error)) *ConfigCommand {
	if load == nil {
		load = config.LoadCoreConfig
	}
	return &ConfigCommand{stdout: stdout, stderr: stderr, load: load}
}

func (c *ConfigCommand) Run(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	defaults := fs.Bool("defaults", false, "print default config values")
	format := fs.String("format", configFormatTOML, "output format: toml|json")
	showPath := fs.Bool("path", false, "print the config file path and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showPath {
		path, err := config.CoreConfigPath()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.stdout, path)
		return err
	}

	resolved, err := resolveConfigFormat(*format)
	if err != nil {
		return err
	}
	cfg := config.DefaultCoreConfig()
	if !*defaults {
		if cfg, err = c.load(); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return writeConfigOutput(c.stdout, resolved, cfg)
}

func writeConfigOutput(out io.Writer, format string, cfg config.CoreConfig) error {
	switch format {
	case configFormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case configFormatTOML:
		data, err := cfg.EncodeTOML()
		if err != nil {
			return err
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		_, err = out.Write(data)
		return err
	default:
		return errors.New("unsupported format")
	}
}

func resolveConfigFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", configFormatTOML:
		return configFormatTOML, nil
	case configFormatJSON:
		return configFormatJSON, nil
	default:
		return "", errors.New("invalid format: must be toml or json")
	}
}
