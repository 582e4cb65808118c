package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	modelsCmd.Flags().BoolP("all", "a", false, "Include models no configured provider serves")
	modelsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List catalog models",
	Long:  "List catalog models with the backend that serves them, prices per million tokens and rotation scores.",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, shutdown, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer shutdown()

		rows := a.ModelRows(!all)
		out := cmd.OutOrStdout()
		if asJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(rows)
		}

		if len(rows) == 0 {
			fmt.Fprintln(out, "No servable models. Configure a provider API key, or pass --all.")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "MODEL\tPROVIDER\tBACKEND\tIN $/M\tOUT $/M\tSCORE")
		for _, r := range rows {
			backend := r.Backend
			if backend == "" {
				backend = "-"
			}
			score := "-"
			switch {
			case r.Disabled:
				score = "disabled"
			case r.Rotation:
				score = fmt.Sprint(r.Score)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n", r.ID, r.Provider, backend, r.InputPrice, r.OutputPrice, score)
		}
		return tw.Flush()
	},
}
