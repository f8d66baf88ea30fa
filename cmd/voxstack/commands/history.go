package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlabs/voxstack/internal/history"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent bootstrap runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Database.URL == "" {
				return fmt.Errorf("run history needs database.url (or DATABASE_URL) configured")
			}

			store, err := history.New(cfg.Database, log)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tOVERALL\tDEGRADED\tMODELS")
			for _, run := range runs {
				degraded := strings.Join(run.Degraded, ",")
				if degraded == "" {
					degraded = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID.String()[:8],
					run.StartedAt.Local().Format(time.DateTime),
					run.Duration().Round(time.Second),
					run.Overall,
					degraded,
					strings.Join(run.Models, ","))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}
