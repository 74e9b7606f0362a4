package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Display the configuration after merging defaults, the .env file, the YAML
config file and environment variables. API keys are masked.`,
		Example: `
# Show config as YAML
rlm config show

# Show config as JSON
rlm config show --json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			red := cfg.Redacted()

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(red)
			}
			out, err := red.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	show.Flags().BoolP("json", "j", false, "Output as JSON")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration loads and is valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "configuration OK\n")
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}
