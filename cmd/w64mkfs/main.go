// Command w64mkfs formats a new block device image file with an empty
// root directory, the on-disk equivalent of the original's do_format().
package main

import (
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/config"
	"wicos64-server/internal/version"
	"wicos64-server/internal/vfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:     "w64mkfs",
		Short:   "Format a new WiCOS64 filesystem image",
		Version: version.Get().String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runFormat(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "optional config file (JSON/YAML)")
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cmd
}

func runFormat(cfg config.Config) error {
	if _, err := os.Stat(cfg.Device); err == nil {
		return fmt.Errorf("w64mkfs: %s already exists, refusing to overwrite", cfg.Device)
	}

	dev, err := blockdev.Create(cfg.Device, cfg.Sectors)
	if err != nil {
		return fmt.Errorf("w64mkfs: create device image: %w", err)
	}
	defer dev.Close()

	fs, err := vfs.Format(dev, timeutil.RealClock())
	if err != nil {
		return fmt.Errorf("w64mkfs: format: %w", err)
	}
	fs.SetLimits(cfg.MaxPath, cfg.MaxName)
	if err := fs.Shutdown(); err != nil {
		return fmt.Errorf("w64mkfs: flush: %w", err)
	}

	fmt.Printf("formatted %s: %d sectors, %d free after root directory\n", cfg.Device, cfg.Sectors, fs.FreeSectors())
	return nil
}
