package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linlogge/degov/pkg/dsl"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a definition tree",
		Long: `Validate discovers every YAML definition under the given directory,
parses it, resolves inheritance, and reduces workflows to their executable
form. All problems are reported; nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := dsl.Discover(args[0])
			if err != nil {
				return err
			}

			failed := len(result.Errors)
			for _, parseErr := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", parseErr)
			}

			resolved, err := dsl.NewResolver(result.Definitions).Resolve()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				return fmt.Errorf("validation failed")
			}

			workflows := 0
			for _, def := range resolved {
				if def.Kind != dsl.KindWorkflow {
					continue
				}
				if _, err := dsl.ReduceWorkflow(def); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s: %v\n", def.Metadata.ID, err)
					failed++
					continue
				}
				workflows++
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d definitions, %d workflows valid, %d errors\n",
				len(resolved), workflows, failed)
			if failed > 0 {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}
