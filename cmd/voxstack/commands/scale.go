package commands

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/events"
	"github.com/voxlabs/voxstack/internal/retry"
	"github.com/voxlabs/voxstack/internal/runtime"
)

func newScaleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scale <service> <replicas>",
		Short: "Change a service's replica count",
		Long: `Starts or stops replicas to reach the requested count and tells the
gateway to swap its route table. Removed replicas drain in-flight
requests before disappearing from rotation.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			service := args[0]
			replicas, err := strconv.Atoi(args[1])
			if err != nil || replicas < 1 {
				return fmt.Errorf("replicas must be a positive integer, got %q", args[1])
			}

			spec := cfg.Service(service)
			if spec == nil {
				return fmt.Errorf("unknown service %q", service)
			}

			engine := runtime.NewDockerEngine(cfg.Docker, log)
			backends, err := engine.Scale(ctx, *spec, replicas)
			if err != nil {
				return fmt.Errorf("scaling %s: %w", service, err)
			}

			notifyGateway(ctx, service, replicas)
			publishScale(ctx, service, replicas)

			fmt.Printf("%s scaled to %d replicas\n", service, len(backends))
			for _, b := range backends {
				fmt.Printf("  %s\t%s\n", b.Name, b.Addr)
			}
			return nil
		},
	}
}

// notifyGateway pushes the new count to the admin API so the route table
// swaps immediately. A gateway that is not running is fine; the table is
// rebuilt on its next start.
func notifyGateway(ctx context.Context, service string, replicas int) {
	url := fmt.Sprintf("http://127.0.0.1:%d/services/%s/replicas", cfg.Gateway.AdminPort, service)
	body := fmt.Sprintf(`{"replicas":%d}`, replicas)

	err := retry.Simple(ctx, 3, 500*time.Millisecond, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway answered %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		log.Warn("Gateway not notified; route table updates on its next start",
			zap.String("service", service), zap.Error(err))
	}
}

func publishScale(ctx context.Context, service string, replicas int) {
	if cfg.Redis.URL == "" {
		return
	}
	client, err := events.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn("Scale event not published", zap.Error(err))
		return
	}
	defer client.Close()

	pub := events.NewPublisher(client, "voxstack-scale", log)
	if err := pub.PublishScale(ctx, service, replicas); err != nil {
		log.Warn("Scale event not published", zap.Error(err))
	}
}
