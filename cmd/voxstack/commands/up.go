package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/bootstrap"
	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/events"
	"github.com/voxlabs/voxstack/internal/history"
	"github.com/voxlabs/voxstack/internal/logger"
	"github.com/voxlabs/voxstack/internal/probe"
	"github.com/voxlabs/voxstack/internal/provision"
	"github.com/voxlabs/voxstack/internal/runtime"
)

func newUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Bring the stack to a verified-ready state",
		Long: `Ensures the shared network, builds images, starts replicas, provisions
language models and waits for every service to answer its health check.
Exits non-zero only when the run fails outright; a degraded stack is
reported and left running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync()
			ctx := cmd.Context()

			engine := runtime.NewDockerEngine(cfg.Docker, log)
			prober := probe.New(log)
			provisioner := provision.NewProvisioner(provision.NewClient(modelHostURL(cfg)), log)

			orch := bootstrap.New(cfg, engine, prober, provisioner, log)

			if cfg.Redis.URL != "" {
				client, err := events.NewRedisClient(cfg.Redis)
				if err != nil {
					log.Warn("Event stream disabled", zap.Error(err))
				} else {
					defer client.Close()
					orch.SetEventPublisher(events.NewPublisher(client, "voxstack-up", log))
				}
			}

			if cfg.Database.URL != "" {
				store, err := history.New(cfg.Database, log)
				if err != nil {
					log.Warn("Run history disabled", zap.Error(err))
				} else {
					defer store.Close()
					orch.SetRunRecorder(store)
				}
			}

			result := orch.Run(ctx)
			fmt.Print(result.Summary())

			if result.ExitCode() != 0 {
				return fmt.Errorf("bootstrap failed")
			}
			return nil
		},
	}
}

// modelHostURL addresses the first replica of the model host directly; the
// provisioner runs before the gateway fronts anything.
func modelHostURL(cfg *config.Config) string {
	svc := cfg.Service(cfg.Models.Service)
	if svc == nil {
		return "http://127.0.0.1:11434"
	}
	return "http://" + runtime.BackendAddr(*svc, 1)
}
