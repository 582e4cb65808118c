package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rand/mech/internal/pipeline"
)

func init() {
	askCmd.Flags().StringP("model", "m", "", "Model to ask (required)")
	askCmd.Flags().Bool("usage", false, "Print token usage and cost after the answer")
	_ = askCmd.MarkFlagRequired("model")
}

var askCmd = &cobra.Command{
	Use:   "ask [prompt...]",
	Short: "Send one prompt to one model",
	Long:  "Send a single prompt to a model without tools and print the answer.",
	Example: `
# Ask a question
mech ask -m claude-sonnet-4-20250514 "What is a circuit breaker?"

# Pipe input
git diff | mech ask -m gpt-4o "Review this change"
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		showUsage, _ := cmd.Flags().GetBool("usage")

		prompt, err := MaybePrependStdin(cmd.InOrStdin(), strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}

		a, shutdown, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer shutdown()

		res, err := a.Ask(cmd.Context(), model, prompt)
		if err != nil {
			return err
		}
		if res.Err != nil {
			return res.Err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Response)
		if res.Status == pipeline.StatusWithWarning {
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", e)
			}
		}
		if showUsage {
			fmt.Fprintf(out, "\n%s\n", a.Budget.Report().StatusBar())
		}
		return nil
	},
}
