package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rmacdonaldsmith/meshcore-go/internal/config"
	"github.com/spf13/cobra"
)

func newInitConfigCommand() *cobra.Command {
	var (
		hardware string
		region   string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a default config.yaml",
		Long: `Write a config.yaml with every default filled in and a fresh HTTP secret.
Use --hardware and --region to apply presets; see 'meshcored presets'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check %s: %w", configPath, err)
			}

			dir := filepath.Dir(configPath)
			cfg := config.New(dir)
			if hardware != "" {
				if err := cfg.ApplyHardwarePreset(hardware); err != nil {
					return err
				}
				if hardware != config.MockRadioPreset {
					cfg.Transport.Kind = config.TransportGRPC
				}
			}
			if region != "" {
				if err := cfg.ApplyRegionPreset(region); err != nil {
					return err
				}
			}
			secret, err := newSecret()
			if err != nil {
				return err
			}
			cfg.HTTP.Secret = secret

			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %s\n", configPath)
			if !cfg.IsMock() && cfg.Transport.Address == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "💡 Set transport.address to your radio daemon before starting\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&hardware, "hardware", "", "Hardware preset name")
	cmd.Flags().StringVar(&region, "region", "", "Region preset name")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List hardware and region presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Hardware presets:")
			for _, name := range config.HardwarePresetNames() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, "Region presets:")
			for _, name := range config.RegionPresetNames() {
				r := config.RegionPresets[name]
				fmt.Fprintf(out, "  %-26s %8.3f MHz  SF%-2d  %5.1f kHz  CR%d\n",
					name, float64(r.Frequency)/1e6, r.SpreadingFactor, float64(r.Bandwidth)/1e3, r.CodingRate)
			}
			return nil
		},
	}
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
