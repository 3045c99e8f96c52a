package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linlogge/degov/pkg/engine"
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage workflow instances",
	}
	cmd.AddCommand(
		newInstanceCreateCommand(),
		newInstanceTriggerCommand(),
		newInstanceGetCommand(),
		newInstanceEventsCommand(),
		newInstanceListCommand(),
		newInstanceStatusCommand("pause", "Pause a running instance"),
		newInstanceStatusCommand("resume", "Resume a paused instance"),
		newInstanceStatusCommand("cancel", "Cancel an instance (terminal)"),
	)
	return cmd
}

func newInstanceCreateCommand() *cobra.Command {
	var contextJSON, idempotencyKey, actor string
	var version int64

	cmd := &cobra.Command{
		Use:   "create <workflow-id>",
		Short: "Create a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			id, err := rt.engine.CreateInstance(rt.context(cmd.Context()), engine.CreateOptions{
				WorkflowID:     args[0],
				Version:        version,
				IdempotencyKey: idempotencyKey,
				InitialContext: json.RawMessage(contextJSON),
				Actor:          actor,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "{}", "initial context document (JSON)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "at-most-once creation key")
	cmd.Flags().StringVar(&actor, "actor", "operator", "acting identity")
	cmd.Flags().Int64Var(&version, "workflow-version", 0, "definition version (0 = latest)")
	return cmd
}

func newInstanceTriggerCommand() *cobra.Command {
	var payloadJSON, actor string

	cmd := &cobra.Command{
		Use:   "trigger <instance-id> <event>",
		Short: "Inject an event into an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			var payload json.RawMessage
			if payloadJSON != "" {
				payload = json.RawMessage(payloadJSON)
			}
			result, err := rt.engine.TriggerEvent(rt.context(cmd.Context()), args[0], args[1], payload, actor)
			if result != nil {
				printJSON(cmd, result)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload (JSON)")
	cmd.Flags().StringVar(&actor, "actor", "operator", "acting identity")
	return cmd
}

func newInstanceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <instance-id>",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			inst, err := rt.engine.GetInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(cmd, inst)
			if lock, err := rt.engine.LockHolder(cmd.Context(), args[0]); err == nil && lock != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "lock: held by %s until %d\n", lock.WorkerID, lock.ExpiresAt)
			}
			return nil
		},
	}
}

func newInstanceEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <instance-id>",
		Short: "Show an instance's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			events, err := rt.engine.GetEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for i := range events {
				printJSON(cmd, &events[i])
			}
			return nil
		},
	}
}

func newInstanceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List instances of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			ids, err := rt.engine.ListInstances(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newInstanceStatusCommand(verb, short string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   verb + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := rt.context(cmd.Context())
			switch verb {
			case "pause":
				return rt.engine.PauseInstance(ctx, args[0], actor)
			case "resume":
				return rt.engine.ResumeInstance(ctx, args[0], actor)
			case "cancel":
				return rt.engine.CancelInstance(ctx, args[0], actor)
			}
			return fmt.Errorf("unknown verb %q", verb)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "operator", "acting identity")
	return cmd
}

// printJSON renders a value as indented JSON on the command's stdout.
func printJSON(cmd *cobra.Command, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
}
