package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rand/mech/internal/config"
)

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	configCmd.AddCommand(
		configShowCmd,
		configValidateCmd,
		configSchemaCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for inspecting the mech configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration after defaults, .env files and environment expansion. API keys are redacted.",
	Example: `
# Show config as YAML
mech config show

# Show config as JSON
mech config show --json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = cfg.Redacted()

		if asJSON {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(cfg)
		}
		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return err
		}
		return encoder.Close()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(out, "✗ %v\n", err)
			return err
		}

		var warnings []string
		hasKey := false
		for _, p := range cfg.Providers {
			if p.APIKey != "" || p.Kind == "ollama" {
				hasKey = true
			} else {
				warnings = append(warnings, fmt.Sprintf("Provider '%s' has no API key configured", p.Name))
			}
		}
		if !hasKey {
			warnings = append(warnings, "No provider has an API key; mech run has no models to rotate")
		}
		if path := cfg.Mech.CommandFile; path != "" {
			if _, err := os.Stat(path); err != nil {
				warnings = append(warnings, fmt.Sprintf("Command file %s: %v", path, err))
			}
		}

		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				fmt.Fprintf(out, "  ⚠ %s\n", w)
			}
			fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
			return nil
		}
		fmt.Fprintln(out, "✓ Configuration is valid")
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the config file JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}
