package main

import (
	"errors"

	"bunkcore/pkg/domain"

	"github.com/spf13/cobra"
)

func newScenarioCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Manage draft assignment scenarios",
	}
	cmd.AddCommand(
		newScenarioCreateCmd(opts),
		newScenarioMoveCmd(opts),
		newScenarioActionCmd(opts, "clear", "Unassign every unlocked camper in a scenario"),
		newScenarioActionCmd(opts, "revert", "Drop every difference from production"),
		newScenarioHistoryCmd(opts),
		newScenarioShowCmd(opts),
	)
	return cmd
}

func newScenarioCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		sc      domain.Scenario
		session int
		origin  string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a scenario from production or empty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc.Name = args[0]
			sc.SessionID = domain.SessionID(session)
			sc.Origin = domain.ScenarioOrigin(origin)
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			created, _, err := a.svc.CreateScenario(ctx, sc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	cmd.Flags().IntVar(&session, "session", 0, "session id")
	cmd.Flags().IntVar(&sc.Year, "year", 0, "camp year (defaults to the session's year)")
	cmd.Flags().StringVar(&sc.Description, "description", "", "free-text description")
	cmd.Flags().StringVar(&origin, "origin", string(domain.ScenarioFromProduction), "copy_from_production or empty")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newScenarioMoveCmd(opts *rootOptions) *cobra.Command {
	var (
		person   int
		bunk     int
		unassign bool
	)
	cmd := &cobra.Command{
		Use:   "move SCENARIO_ID",
		Short: "Move a camper to a bunk inside a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *domain.BunkID
			switch {
			case unassign && bunk != 0:
				return errors.New("--bunk and --unassign are mutually exclusive")
			case unassign:
			case bunk != 0:
				id := domain.BunkID(bunk)
				target = &id
			default:
				return errors.New("one of --bunk or --unassign is required")
			}
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			_, err = a.svc.MoveCamper(ctx, args[0], domain.PersonID(person), target)
			return err
		},
	}
	cmd.Flags().IntVar(&person, "person", 0, "camper id")
	cmd.Flags().IntVar(&bunk, "bunk", 0, "destination bunk id")
	cmd.Flags().BoolVar(&unassign, "unassign", false, "leave the camper without a bunk")
	_ = cmd.MarkFlagRequired("person")
	return cmd
}

func newScenarioActionCmd(opts *rootOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " SCENARIO_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if name == "clear" {
				_, err = a.svc.ClearScenario(ctx, args[0])
			} else {
				_, err = a.svc.RevertScenario(ctx, args[0])
			}
			return err
		},
	}
}

func newScenarioHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history SCENARIO_ID",
		Short: "Print the event history of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			events, err := a.svc.ScenarioHistory(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func newScenarioShowCmd(opts *rootOptions) *cobra.Command {
	var (
		session int
		year    int
	)
	cmd := &cobra.Command{
		Use:   "show SCENARIO_ID",
		Short: "Print the effective assignments of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			out, err := a.svc.EffectiveAssignments(ctx, domain.SessionID(session), year, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&session, "session", 0, "session id")
	cmd.Flags().IntVar(&year, "year", 0, "camp year")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}
