package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"bunkcore/pkg/domain"

	"go.uber.org/zap"
)

// ApplyReport summarises one Apply call.
type ApplyReport struct {
	RunID         string            `json:"run_id"`
	ScenarioID    string            `json:"scenario_id,omitempty"`
	Written       int               `json:"written"`
	Unchanged     int               `json:"unchanged"`
	SkippedLocked []domain.PersonID `json:"skipped_locked,omitempty"`
}

// Effective returns the assignments of a session as seen from a scenario:
// production overlaid with the scenario's differences. An empty scenarioID
// returns production.
func Effective(view domain.TransactionView, session domain.SessionID, year int, scenarioID string) []domain.Assignment {
	byPerson := make(map[domain.PersonID]domain.Assignment)
	for _, a := range view.ListAssignments() {
		if a.SessionID == session && a.Year == year {
			byPerson[a.PersonID] = a
		}
	}
	if scenarioID != "" {
		for _, sa := range view.ListScenarioAssignments(scenarioID) {
			if sa.BunkID == nil {
				delete(byPerson, sa.PersonID)
				continue
			}
			byPerson[sa.PersonID] = domain.Assignment{
				PersonID:  sa.PersonID,
				SessionID: session,
				Year:      year,
				BunkID:    *sa.BunkID,
				Locked:    sa.Locked,
			}
		}
	}
	out := make([]domain.Assignment, 0, len(byPerson))
	for _, a := range byPerson {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

// Apply commits a completed run into its scenario overlay, or into production
// when the run has no scenario. Locked placements are never written. The
// write is set-based: replaying a run converges to the same state.
func (o *Orchestrator) Apply(ctx context.Context, id string) (ApplyReport, error) {
	report := ApplyReport{RunID: id}
	_, err := o.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		run, ok := view.FindRun(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if run.Status != domain.RunCompleted || run.Result == nil {
			return fmt.Errorf("%w: run %s is %s", ErrRunNotCompleted, id, run.Status)
		}
		report = ApplyReport{RunID: id, ScenarioID: run.ScenarioID}
		var err error
		if run.ScenarioID == "" {
			err = applyProduction(tx, view, run, &report)
		} else {
			err = applyScenario(tx, view, run, &report)
		}
		if err != nil {
			return err
		}
		applied := o.now()
		_, err = tx.UpdateRun(id, func(r *domain.SolverRun) error {
			if r.AppliedAt == nil {
				r.AppliedAt = &applied
			}
			r.ApplyCount++
			return nil
		})
		return err
	})
	if err != nil {
		return ApplyReport{RunID: id}, err
	}
	o.log.Info("solver run applied",
		zap.String("run_id", id),
		zap.String("scenario_id", report.ScenarioID),
		zap.Int("written", report.Written),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("skipped_locked", len(report.SkippedLocked)))
	return report, nil
}

func applyProduction(tx domain.Transaction, view domain.TransactionView, run domain.SolverRun, report *ApplyReport) error {
	for _, p := range run.Result.Assignments {
		key := domain.AssignmentKey{PersonID: p.PersonID, SessionID: run.SessionID, Year: run.Year}
		current, ok := view.FindAssignment(key)
		switch {
		case ok && current.Locked:
			report.SkippedLocked = append(report.SkippedLocked, p.PersonID)
			continue
		case ok && current.BunkID == p.BunkID:
			report.Unchanged++
			continue
		}
		if _, err := tx.PutAssignment(domain.Assignment{
			PersonID:  p.PersonID,
			SessionID: run.SessionID,
			Year:      run.Year,
			BunkID:    p.BunkID,
		}); err != nil {
			return fmt.Errorf("write assignment for %d: %w", p.PersonID, err)
		}
		report.Written++
	}
	return nil
}

func applyScenario(tx domain.Transaction, view domain.TransactionView, run domain.SolverRun, report *ApplyReport) error {
	if _, ok := view.FindScenario(run.ScenarioID); !ok {
		return domain.ErrNotFound{Entity: domain.EntityScenario, ID: run.ScenarioID}
	}
	effective := make(map[domain.PersonID]domain.Assignment)
	for _, a := range Effective(view, run.SessionID, run.Year, run.ScenarioID) {
		effective[a.PersonID] = a
	}
	overridden := make(map[domain.PersonID]bool)
	for _, sa := range view.ListScenarioAssignments(run.ScenarioID) {
		overridden[sa.PersonID] = true
	}
	for _, p := range run.Result.Assignments {
		current, ok := effective[p.PersonID]
		switch {
		case ok && current.Locked:
			report.SkippedLocked = append(report.SkippedLocked, p.PersonID)
			continue
		case ok && current.BunkID == p.BunkID:
			report.Unchanged++
			continue
		}
		prod, inProd := view.FindAssignment(domain.AssignmentKey{PersonID: p.PersonID, SessionID: run.SessionID, Year: run.Year})
		if inProd && prod.BunkID == p.BunkID && overridden[p.PersonID] {
			if err := tx.DeleteScenarioAssignment(run.ScenarioID, p.PersonID); err != nil {
				return fmt.Errorf("drop draft override for %d: %w", p.PersonID, err)
			}
		} else {
			bunk := p.BunkID
			if _, err := tx.PutScenarioAssignment(domain.ScenarioAssignment{
				ScenarioID: run.ScenarioID,
				PersonID:   p.PersonID,
				BunkID:     &bunk,
			}); err != nil {
				return fmt.Errorf("write draft assignment for %d: %w", p.PersonID, err)
			}
		}
		report.Written++
	}
	if report.Written == 0 {
		return nil
	}
	return tx.AppendScenarioEvent(domain.ScenarioEvent{
		ScenarioID: run.ScenarioID,
		Action:     domain.ScenarioEventApplied,
		RunID:      run.ID,
	})
}
