package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlabs/voxstack/internal/probe"
	"github.com/voxlabs/voxstack/internal/runtime"
)

func newStatusCommand() *cobra.Command {
	var budget time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check every service replica once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			engine := runtime.NewDockerEngine(cfg.Docker, log)
			prober := probe.New(log)

			var targets []probe.Target
			replicaService := make(map[string]string)
			for _, svc := range cfg.Services {
				backends, err := engine.ListBackends(ctx, svc)
				if err != nil {
					return fmt.Errorf("listing %s replicas: %w", svc.Name, err)
				}
				for _, b := range backends {
					replicaService[b.Name] = svc.Name
					targets = append(targets, probe.Target{
						Name:     b.Name,
						URL:      svc.ProbeURL(b.Addr),
						Interval: time.Second,
						Budget:   budget,
					})
				}
			}

			if len(targets) == 0 {
				fmt.Println("no replicas running")
				return nil
			}

			results := prober.ProbeAll(ctx, targets)

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "REPLICA\tSERVICE\tSTATE\tATTEMPTS\tELAPSED")
			for _, t := range targets {
				res := results[t.Name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					t.Name, replicaService[t.Name], res.Outcome,
					res.Attempts, res.Elapsed.Round(time.Millisecond))
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&budget, "budget", 5*time.Second, "per-replica probe budget")
	return cmd
}
