package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldtofork/platform/experiment-engine/internal/safety"
)

var harmCheckExperiment string

var harmCheckCmd = &cobra.Command{
	Use:   "harm-check",
	Short: "Stop running experiments whose guardrail metric dropped below its threshold",
	Long: `Run the harm check against one experiment, or against every RUNNING
experiment when --experiment is omitted. Intended to be invoked by cron.`,
	Args: cobra.NoArgs,
	RunE: runHarmCheck,
}

func init() {
	harmCheckCmd.Flags().StringVar(&harmCheckExperiment, "experiment", "", "Check a single experiment by id")
}

func runHarmCheck(cmd *cobra.Command, args []string) error {
	var id uuid.UUID
	if harmCheckExperiment != "" {
		parsed, err := uuid.Parse(harmCheckExperiment)
		if err != nil {
			return fmt.Errorf("invalid --experiment: %w", err)
		}
		id = parsed
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if id != uuid.Nil {
		decision, err := rt.Engine.CheckHarmAndAutoStop(ctx, id)
		if err != nil {
			return err
		}
		writeDecisions(cmd.OutOrStdout(), []safety.Decision{decision})
		return nil
	}

	decisions, err := rt.Engine.SweepRunning(ctx)
	writeDecisions(cmd.OutOrStdout(), decisions)
	return err
}

func writeDecisions(out io.Writer, decisions []safety.Decision) {
	if len(decisions) == 0 {
		fmt.Fprintln(out, "no running experiments")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXPERIMENT\tSTOPPED\tREASON\tDETAIL")
	for _, d := range decisions {
		detail := "-"
		if d.Stopped {
			detail = fmt.Sprintf("%s %s=%.4f < %.4f", d.Variant, d.Metric, d.Value, d.MinValue)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", d.ExperimentID, d.Stopped, d.Reason, detail)
	}
	w.Flush()
}
