package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskflow/internal/config"
)

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List the models each configured provider offers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRuntimeConfig(config.Overrides{})
			if err != nil {
				return err
			}
			app, err := buildApp(cfg, &cliSink{})
			if err != nil {
				return err
			}
			defer app.close()

			names := app.providers.Enabled()
			if len(args) == 1 {
				names = []string{args[0]}
			}

			for _, name := range names {
				client, ok := app.providers.Get(name)
				if !ok {
					return fmt.Errorf("unknown provider %q", name)
				}
				models, err := client.FetchModels(cmd.Context())
				if err != nil {
					fmt.Printf("%s: %s\n", bold(name), red(err.Error()))
					continue
				}
				fmt.Printf("%s (%d models)\n", bold(name), len(models))
				for _, m := range models {
					caps := ""
					if m.SupportsTools {
						caps += " tools"
					}
					if m.SupportsVision {
						caps += " vision"
					}
					if m.ImageGeneration {
						caps += " image-gen"
					}
					price := ""
					if m.InputPricePerM > 0 {
						price = fmt.Sprintf("  $%.2f/$%.2f per 1M", m.InputPricePerM, m.OutputPricePerM)
					}
					fmt.Printf("  %s%s%s\n", m.Name, gray(caps), gray(price))
				}
			}
			return nil
		},
	}
}
