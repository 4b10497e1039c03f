package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the shared persistent flags. Values act as defaults:
// a flag given on the command line wins over the file.
type fileConfig struct {
	RabbitMQURL string   `yaml:"rabbitmq_url"`
	LogLevel    string   `yaml:"log_level"`
	LogOverride []string `yaml:"log_override"`
	JSONLogs    *bool    `yaml:"json_logs"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Deployment  string   `yaml:"deployment"`
}

// applyConfigFile loads --config (if given) and fills flags not set on the
// command line
func applyConfigFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	set := func(name, value string) error {
		if value == "" {
			return nil
		}
		fl := cmd.Flags().Lookup(name)
		if fl == nil || fl.Changed {
			return nil
		}
		return fl.Value.Set(value)
	}

	if err := set("rabbitmq-url", fc.RabbitMQURL); err != nil {
		return err
	}
	if err := set("log-level", fc.LogLevel); err != nil {
		return err
	}
	if err := set("log-override", strings.Join(fc.LogOverride, ",")); err != nil {
		return err
	}
	if fc.JSONLogs != nil {
		if err := set("json-logs", strconv.FormatBool(*fc.JSONLogs)); err != nil {
			return err
		}
	}
	if err := set("metrics-addr", fc.MetricsAddr); err != nil {
		return err
	}
	return set("deployment", fc.Deployment)
}
