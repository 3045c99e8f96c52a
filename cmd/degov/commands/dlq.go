package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered tasks",
	}
	cmd.AddCommand(newDLQListCommand(), newDLQRequeueCommand())
	return cmd
}

func newDLQListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			tasks, err := rt.engine.Queue().ListDeadLetters(rt.context(cmd.Context()), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				for _, task := range tasks {
					printJSON(cmd, task)
				}
				return nil
			}
			for _, task := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  instance=%s  kind=%s  retries=%d  error=%s\n",
					task.TaskID, task.InstanceID, task.Kind, task.RetryCount, task.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum tasks to list")
	return cmd
}

func newDLQRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Return a dead-lettered task to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.engine.Queue().Requeue(rt.context(cmd.Context()), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}
}
