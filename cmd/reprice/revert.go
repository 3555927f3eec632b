package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-price-must-flow/internal/apply"
	"github.com/Veraticus/the-price-must-flow/internal/cli"
	"github.com/Veraticus/the-price-must-flow/internal/common"
)

func revertCmd() *cobra.Command {
	var (
		variantID string
		runID     string
		localOnly bool
	)
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Restore the prices captured before an apply",
		Long: `Restore a variant's price, or every price applied by a run, to the value
recorded when the recommendation was applied. Reverting twice is a no-op.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (variantID == "") == (runID == "") {
				return common.NewUserError("pass exactly one of --variant or --run", nil)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			applier, err := a.applier(localOnly)
			if err != nil {
				return err
			}

			outcomes := make(map[string]apply.Outcome)
			if variantID != "" {
				outcomes[variantID] = applier.Revert(ctx, variantID)
			} else {
				if outcomes, err = applier.RevertRun(ctx, runID); err != nil {
					return fmt.Errorf("failed to revert run %s: %w", runID, err)
				}
			}
			return printReverts(cmd, outcomes)
		},
	}
	cmd.Flags().StringVar(&variantID, "variant", "", "revert one variant")
	cmd.Flags().StringVar(&runID, "run", "", "revert every variant applied by this run")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "restore only the local mirror")
	return cmd
}

// printReverts lists each outcome and fails when any revert failed.
func printReverts(cmd *cobra.Command, outcomes map[string]apply.Outcome) error {
	out := cmd.OutOrStdout()
	if len(outcomes) == 0 {
		fmt.Fprintln(out, cli.FormatInfo("Nothing to revert"))
		return nil
	}

	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	failed := 0
	for _, id := range ids {
		o := outcomes[id]
		switch {
		case o.Err != nil && !o.Written:
			failed++
			fmt.Fprintln(out, cli.FormatError(fmt.Sprintf("%s: %v", id, o.Err)))
		case o.Err != nil:
			fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("%s: restored to %s but %v", id, cli.FormatPrice(o.Price), o.Err)))
		case o.Written:
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("%s: restored to %s", id, cli.FormatPrice(o.Price))))
		default:
			fmt.Fprintln(out, cli.FormatInfo(id+": nothing applied"))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reverts failed", failed, len(outcomes))
	}
	return nil
}
