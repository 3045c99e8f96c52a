package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/linlogge/degov/pkg/dsl"
)

func newServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the engine service loop",
		Long: `Server keeps the engine's housekeeping running: it loads definitions
(optionally watching the tree for changes), exposes Prometheus metrics, and
periodically reports the number of live workers. The queue depth gauge is
not updated by this loop. Workers run as separate processes and coordinate
purely through the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			ctx := rt.context(cmd.Context())

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = rt.tel.Shutdown(shutdownCtx)
			}()
			if err := rt.tel.StartMetricsServer(); err != nil {
				return err
			}

			if rt.cfg.Definitions.Dir != "" {
				if rt.cfg.Definitions.Watch {
					go func() {
						err := dsl.Watch(ctx, rt.cfg.Definitions.Dir, log.Logger, func(result *dsl.DiscoveryResult) {
							registered, err := rt.loadDefinitions(ctx, rt.cfg.Definitions.Dir)
							if err != nil {
								log.Error().Err(err).Msg("Definition reload failed")
								return
							}
							log.Info().
								Int("definitions", len(result.Definitions)).
								Int("workflows", registered).
								Msg("Definitions reloaded")
						})
						if err != nil {
							log.Error().Err(err).Msg("Definition watcher stopped")
						}
					}()
				} else if _, err := rt.loadDefinitions(ctx, rt.cfg.Definitions.Dir); err != nil {
					return &configError{err: err}
				}
			}

			// Periodic liveness reporting.
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			log.Info().Msg("Engine server running")
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Engine server shutting down")
					return nil
				case <-ticker.C:
					workers, err := rt.engine.ListWorkers(ctx)
					if err != nil {
						log.Warn().Err(err).Msg("Failed to list workers")
						continue
					}
					alive := 0
					now := rt.engine.Now()
					for i := range workers {
						if !workers[i].Expired(now, rt.cfg.Worker.HeartbeatInterval.Milliseconds()) {
							alive++
						}
					}
					rt.tel.Metrics.SetActiveWorkers(alive)
				}
			}
		},
	}
}
