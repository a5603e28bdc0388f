package main

import (
	"context"
	"fmt"

	"bunkcore/internal/collect"
	"bunkcore/internal/core"
	"bunkcore/internal/pipeline"
	"bunkcore/pkg/domain"

	"github.com/spf13/cobra"
)

// seedFile is the JSON layout accepted by seed.
type seedFile struct {
	Sessions    []domain.Session    `json:"sessions"`
	Persons     []domain.Person     `json:"persons"`
	Bunks       []domain.Bunk       `json:"bunks"`
	Assignments []domain.Assignment `json:"assignments"`
	LockGroups  []domain.LockGroup  `json:"lock_groups"`
}

type seedSummary struct {
	Sessions    int `json:"sessions"`
	Persons     int `json:"persons"`
	Bunks       int `json:"bunks"`
	Assignments int `json:"assignments"`
	LockGroups  int `json:"lock_groups"`
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load sessions, campers, bunks and placements from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file seedFile
			if err := readJSON(args[0], &file); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			summary, err := seed(ctx, a.svc, file)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func seed(ctx context.Context, svc *core.Service, file seedFile) (seedSummary, error) {
	var out seedSummary
	for _, s := range file.Sessions {
		if _, _, err := svc.CreateSession(ctx, s); err != nil {
			return out, fmt.Errorf("session %d: %w", s.ID, err)
		}
		out.Sessions++
	}
	for _, p := range file.Persons {
		if _, _, err := svc.CreatePerson(ctx, p); err != nil {
			return out, fmt.Errorf("person %d: %w", p.ID, err)
		}
		out.Persons++
	}
	for _, b := range file.Bunks {
		if _, _, err := svc.CreateBunk(ctx, b); err != nil {
			return out, fmt.Errorf("bunk %d: %w", b.ID, err)
		}
		out.Bunks++
	}
	for _, as := range file.Assignments {
		if _, _, err := svc.AssignCamper(ctx, as); err != nil {
			return out, fmt.Errorf("assignment of %d: %w", as.PersonID, err)
		}
		out.Assignments++
	}
	for _, g := range file.LockGroups {
		if _, _, err := svc.CreateLockGroup(ctx, g); err != nil {
			return out, fmt.Errorf("lock group %q: %w", g.Name, err)
		}
		out.LockGroups++
	}
	return out, nil
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		session int
		year    int
	)
	cmd := &cobra.Command{
		Use:   "process FIELDS_FILE",
		Short: "Run the request pipeline over a JSON array of source fields",
		Long: `process parses, resolves, prioritizes and persists the bunking requests
found in the given source fields. Each element is
{"person_id": 1, "field": "share_bunk_with", "text": "..."}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields []collect.Field
			if err := readJSON(args[0], &fields); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			report, err := a.pipeline.Process(ctx, pipeline.Input{
				SessionID: domain.SessionID(session),
				Year:      year,
				Fields:    fields,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&session, "session", 0, "session id")
	cmd.Flags().IntVar(&year, "year", 0, "camp year")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func newRequestsCmd(opts *rootOptions) *cobra.Command {
	var (
		session int
		year    int
		status  string
		all     bool
		review  bool
	)
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List persisted requests of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			reqs := a.svc.ListRequests(ctx, core.RequestFilter{
				SessionID:   domain.SessionID(session),
				Year:        year,
				Status:      domain.RequestStatus(status),
				ActiveOnly:  !all,
				NeedsReview: review,
			})
			return printJSON(cmd.OutOrStdout(), reqs)
		},
	}
	cmd.Flags().IntVar(&session, "session", 0, "session id")
	cmd.Flags().IntVar(&year, "year", 0, "camp year (0 for any)")
	cmd.Flags().StringVar(&status, "status", "", "only requests with this status")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive requests")
	cmd.Flags().BoolVar(&review, "review", false, "only requests awaiting manual review")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
