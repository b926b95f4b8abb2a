package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/featherbox/featherbox/pkg/config"
	"github.com/featherbox/featherbox/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project configuration and graph declarations",
		Long: `Validate the project configuration without touching the state store.

This command checks:
  - YAML syntax and config field constraints
  - Node name uniqueness
  - Edge endpoints referencing declared nodes
  - Acyclicity of the dependency graph`,
		Example: `  # Validate the default config file
  fbox validate

  # Validate a specific config file
  fbox validate -c ./prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			nodes, edges := cfg.ToDeclarations()
			if err := engine.ValidateDeclarations(nodes, edges); err != nil {
				return err
			}

			fmt.Printf("Configuration valid: %d nodes, %d edges\n", len(nodes), len(edges))
			return nil
		},
	}

	return cmd
}
