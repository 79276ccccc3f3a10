// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or reset the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.showConfig(false)
		},
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (API key masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.showConfig(asJSON)
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "output JSON")

	var force bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.resetConfig(force)
		},
	}
	reset.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	path := &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, p)
			return nil
		},
	}

	cmd.AddCommand(show, reset, path)
	return cmd
}

// showConfig prints the effective configuration, environment overrides
// included, with the API key masked.
func (a *app) showConfig(asJSON bool) error {
	red := a.cfg.Redacted()
	if asJSON {
		return writeJSONOut(a, red)
	}
	return toml.NewEncoder(a.stdout).Encode(red)
}

// resetConfig writes the defaults to the config path. An existing file is
// kept unless force is set.
func (a *app) resetConfig(force bool) error {
	p, err := a.configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", p)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := config.Save(config.Default(), p); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s\n", SuccessStyle.Render("Wrote default configuration to"), p)
	return nil
}
