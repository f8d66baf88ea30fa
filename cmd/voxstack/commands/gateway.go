package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/events"
	"github.com/voxlabs/voxstack/internal/gateway"
	"github.com/voxlabs/voxstack/internal/logger"
	"github.com/voxlabs/voxstack/internal/probe"
	"github.com/voxlabs/voxstack/internal/runtime"
)

func newGatewayCommand() *cobra.Command {
	var watchPath string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the routing tier",
		Long: `Listens on one stable port per routed service and load-balances
requests round-robin across that service's replicas. Runs until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine := runtime.NewDockerEngine(cfg.Docker, log)
			srv := gateway.NewServer(cfg, engine, probe.New(log), log)

			if cfg.Redis.URL != "" {
				client, err := events.NewRedisClient(cfg.Redis)
				if err != nil {
					log.Warn("Scale events over the stream disabled", zap.Error(err))
				} else {
					defer client.Close()
					srv.SetSubscriber(events.NewSubscriber(client, log))
				}
			}

			if watchPath != "" {
				watcher, err := config.NewWatcher(watchPath, log, func(next *config.Config, err error) {
					if err != nil {
						log.Warn("Ignoring invalid config reload", zap.Error(err))
						return
					}
					srv.ApplyReplicaCounts(ctx, next)
				})
				if err != nil {
					return err
				}
				defer watcher.Close()
			}

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&watchPath, "watch", "", "config file to watch for replica-count changes")
	return cmd
}
