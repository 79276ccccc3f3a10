// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-relay/internal/gateway"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/provider"
)

func newModelsCommand(a *app) *cobra.Command {
	var installed, asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List selectable models",
		Long: `List the model catalog. The running gateway is asked first; when it
cannot be reached the built-in catalog is shown. --installed lists the
models pulled into the local Ollama instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if installed {
				return a.listInstalled(ctx, asJSON)
			}
			return a.listCatalog(ctx, asJSON)
		},
	}
	cmd.Flags().BoolVar(&installed, "installed", false, "list models installed in Ollama")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) listCatalog(ctx context.Context, asJSON bool) error {
	models, err := gateway.NewClient(a.cfg.Chat.GatewayURL).Models(ctx)
	if err != nil {
		a.logger.Debug("gateway catalog unavailable", "error", err)
		models = provider.Catalog
	}

	if asJSON {
		return writeJSONOut(a, models)
	}
	for _, p := range []provider.Provider{provider.Cloud, provider.Local} {
		fmt.Fprintln(a.stdout, SectionStyle.Render(p.String()))
		for _, m := range models {
			if m.Provider != p {
				continue
			}
			fmt.Fprintf(a.stdout, "  %-14s %s %s\n", m.Key, ValueStyle.Render(m.Name), DimStyle.Render(m.Description))
		}
	}
	return nil
}

func (a *app) listInstalled(ctx context.Context, asJSON bool) error {
	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      a.cfg.Local.OllamaURL,
		DefaultModel: a.cfg.Local.Model,
	})
	models, err := client.ListModels(ctx)
	if err != nil {
		if ollama.IsNotRunning(err) {
			return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", client.BaseURL())
		}
		return err
	}

	if asJSON {
		return writeJSONOut(a, models)
	}
	if len(models) == 0 {
		fmt.Fprintln(a.stdout, DimStyle.Render("No models installed. Try: ollama pull "+provider.DefaultLocalModel))
		return nil
	}
	for _, m := range models {
		fmt.Fprintf(a.stdout, "  %-24s %8s  %s\n", m.Name, humanize.Bytes(uint64(m.Size)),
			DimStyle.Render(humanize.Time(m.ModifiedAt)))
	}
	return nil
}

func writeJSONOut(a *app, v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
