package commands

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/rpc"
	"github.com/linlogge/degov/pkg/worker"
)

func newWorkerCommand() *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a task worker",
		Long: `Worker runs a stateless task executor: it registers with the engine,
heartbeats its liveness, claims tasks from the queue, executes them in the
sandbox, and reports results. Exit status: 0 on clean shutdown, 1 on fatal
configuration errors, 2 on unrecoverable store errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.Definitions.Dir != "" {
				if _, err := rt.loadDefinitions(cmd.Context(), rt.cfg.Definitions.Dir); err != nil {
					return &configError{err: err}
				}
			}

			wcfg := worker.DefaultConfig()
			if workerID != "" {
				wcfg.WorkerID = workerID
			}
			wcfg.Capacity = rt.cfg.Worker.PoolSize
			wcfg.HeartbeatInterval = rt.cfg.Worker.HeartbeatInterval
			wcfg.PollInterval = rt.cfg.Worker.PollInterval
			wcfg.TaskHeartbeatInterval = rt.cfg.Worker.LeaseTTL / 3

			w := worker.New(rpc.NewLocal(rt.engine), rt.engine, wcfg, log.Logger)
			log.Info().Str("worker_id", w.ID()).Msg("Starting worker")

			if err := w.Run(rt.context(cmd.Context())); err != nil {
				if errors.Is(err, kv.ErrClosed) {
					return &kvFatalError{err: err}
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker identity (default: random UUID)")
	return cmd
}
