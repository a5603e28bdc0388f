package main

import (
	"fmt"

	"bunkcore/internal/api"
	"bunkcore/internal/orchestrator"
	"bunkcore/pkg/domain"

	"github.com/spf13/cobra"
)

type solveOptions struct {
	sub    orchestrator.Submission
	dryRun bool
}

func newSolveCmd(opts *rootOptions) *cobra.Command {
	var (
		so      solveOptions
		session int
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Build the constraint set of a session and solve it",
		Long: `solve submits a solver run and waits for it to finish. With --apply the
result is written to production, or to the scenario named by --scenario.
--dry-run only validates the inputs and reports the constraint counts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			so.sub.SessionID = domain.SessionID(session)
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if so.dryRun {
				set, err := a.orch.Validate(ctx, so.sub)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.ValidateResponse{
					Persons:     len(set.Persons),
					Bunks:       len(set.Bunks),
					Constraints: set.Counts(),
					Relaxed:     set.Relaxed,
					Warnings:    set.Warnings,
				})
			}

			a.orch.Start(ctx)
			id, err := a.orch.Submit(ctx, so.sub)
			if err != nil {
				return err
			}
			run, err := a.orch.Poll(ctx, id, 0, 0)
			if err != nil {
				return err
			}
			// Auto-apply runs after the terminal status is recorded; drain the
			// workers before reading the final state.
			a.orch.Stop()
			if run, err = a.orch.Status(ctx, id); err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), run); err != nil {
				return err
			}
			if run.Status != domain.RunCompleted {
				return fmt.Errorf("run %s finished %s: %s", run.ID, run.Status, run.Error)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&session, "session", 0, "session id")
	f.IntVar(&so.sub.Year, "year", 0, "camp year")
	f.StringVar(&so.sub.ScenarioID, "scenario", "", "solve against a draft scenario")
	f.BoolVar(&so.sub.RespectLocks, "respect-locks", true, "keep locked placements fixed")
	f.BoolVar(&so.sub.ApplyResults, "apply", false, "apply the result when the run completes")
	f.IntVar(&so.sub.TimeLimitSeconds, "time-limit", 0, "solver time limit in seconds (0 for the configured default)")
	f.BoolVar(&so.dryRun, "dry-run", false, "validate and report constraints without solving")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("year")

	cmd.AddCommand(newApplyCmd(opts))
	return cmd
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply RUN_ID",
		Short: "Apply a completed solver run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			report, err := a.orch.Apply(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
