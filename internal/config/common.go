package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// getSystemHostname returns the system hostname or a fallback string
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		// Fallback to a random identifier
		return fmt.Sprintf("paserver-%d", os.Getpid())
	}
	return hostname
}

// newViper returns a viper instance with defaults and environment lookup
// under prefix, e.g. PASERVER_LISTEN_ADDR.
func newViper(envPrefix string, defaults map[string]any) *viper.Viper {
	v := viper.New()

	// Set defaults
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags binds every flag under its config-file key: "listen-addr" is
// read as "listen_addr".
func bindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	var errs []error
	flagSet.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// readConfig reads configPath, or name.yaml from the default locations.
// A missing default file is not an error.
func readConfig(v *viper.Viper, configPath, name string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		return nil
	}

	// Look for config in default locations if no explicit path provided
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.paserver")
	v.AddConfigPath("/etc/paserver")

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// createConfigDirectory ensures the directory for a config file exists
func createConfigDirectory(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	return nil
}

// writeConfigFile writes content to a config file
func writeConfigFile(path, content string) error {
	if err := createConfigDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
