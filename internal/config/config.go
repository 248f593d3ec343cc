// Package config binds the on-disk filesystem's runtime settings from a
// config file, environment variables, and CLI flags into one Config,
// using viper the way gcsfuse's cmd/root.go does.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"wicos64-server/internal/directory"
)

// Config controls one mounted filesystem instance.
type Config struct {
	// Device is the path to the block device image file.
	Device string `mapstructure:"device"`
	// Sectors is how many sectors to format Device with when it doesn't
	// exist yet. Ignored when mounting an existing image.
	Sectors uint32 `mapstructure:"sectors"`

	// MaxName is the longest a single path component's name may be.
	MaxName uint16 `mapstructure:"max_name"`
	// MaxPath is the longest an entire path string may be.
	MaxPath uint16 `mapstructure:"max_path"`

	// MetricsListen is the address the Prometheus /metrics endpoint binds
	// to. Empty disables it.
	MetricsListen string `mapstructure:"metrics_listen"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		Device:        "./wicos64.img",
		Sectors:       65536, // 32 MiB at 512-byte sectors
		MaxName:       14,
		MaxPath:       255,
		MetricsListen: "127.0.0.1:9464",
	}
}

// BindFlags registers this package's flags on fs and binds them into v,
// mirroring gcsfuse/cmd/root.go's flag/viper wiring.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := Default()
	fs.String("device", d.Device, "path to the block device image file")
	fs.Uint32("sectors", d.Sectors, "sector count to format a new device image with")
	fs.Uint16("max-name", d.MaxName, "longest a single path component may be")
	fs.Uint16("max-path", d.MaxPath, "longest an entire path string may be")
	fs.String("metrics-listen", d.MetricsListen, "address to serve /metrics on, empty to disable")

	for _, name := range []string{"device", "sectors", "max-name", "max-path", "metrics-listen"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), fs.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads settings from an optional config file (JSON or YAML, per
// viper's auto-detection), environment variables prefixed WICOS64_, and
// whatever flags were bound via BindFlags, in that increasing order of
// precedence.
func Load(v *viper.Viper, configFile string) (Config, error) {
	cfg := Default()

	v.SetEnvPrefix("wicos64")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills in zero-valued fields with defaults and rejects
// inconsistent settings.
func (c *Config) Validate() error {
	d := Default()
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.Sectors == 0 {
		c.Sectors = d.Sectors
	}
	if c.MaxName == 0 {
		c.MaxName = d.MaxName
	}
	if c.MaxName > directory.NameMax {
		c.MaxName = directory.NameMax
	}
	if c.MaxPath == 0 {
		c.MaxPath = d.MaxPath
	}
	if c.MaxName > c.MaxPath {
		return fmt.Errorf("config: max_name (%d) must be <= max_path (%d)", c.MaxName, c.MaxPath)
	}
	return nil
}
