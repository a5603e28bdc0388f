package core

import (
	"context"
	"fmt"

	"bunkcore/internal/orchestrator"
	"bunkcore/pkg/domain"
)

// CreateScenario starts a draft. A copy-from-production draft begins with no
// differences; an empty draft explicitly unassigns every placed camper.
func (s *Service) CreateScenario(ctx context.Context, sc domain.Scenario) (domain.Scenario, domain.Result, error) {
	if sc.Name == "" {
		return domain.Scenario{}, domain.Result{}, fmt.Errorf("scenario name required")
	}
	if sc.Origin == "" {
		sc.Origin = domain.ScenarioFromProduction
	}
	if sc.Origin != domain.ScenarioFromProduction && sc.Origin != domain.ScenarioEmpty {
		return domain.Scenario{}, domain.Result{}, fmt.Errorf("unknown scenario origin %q", sc.Origin)
	}
	var created domain.Scenario
	res, err := s.run(ctx, "create_scenario", func(tx domain.Transaction) error {
		view := tx.Snapshot()
		session, ok := view.FindSession(sc.SessionID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntitySession, ID: fmt.Sprint(sc.SessionID)}
		}
		if sc.Year == 0 {
			sc.Year = session.Year
		}
		if sc.Year != session.Year {
			return fmt.Errorf("session %d runs in %d, not %d", session.ID, session.Year, sc.Year)
		}
		var err error
		created, err = tx.CreateScenario(sc)
		if err != nil {
			return err
		}
		if created.Origin == domain.ScenarioEmpty {
			for _, a := range orchestrator.Effective(view, created.SessionID, created.Year, "") {
				if _, err := tx.PutScenarioAssignment(domain.ScenarioAssignment{ScenarioID: created.ID, PersonID: a.PersonID}); err != nil {
					return err
				}
			}
		}
		return tx.AppendScenarioEvent(domain.ScenarioEvent{ScenarioID: created.ID, Action: domain.ScenarioEventCreated, At: s.now()})
	})
	return created, res, err
}

// MoveCamper changes a camper's draft placement; a nil bunk unassigns. A move
// back to the production bunk drops the override.
func (s *Service) MoveCamper(ctx context.Context, scenarioID string, person domain.PersonID, bunk *domain.BunkID) (domain.Result, error) {
	return s.run(ctx, "move_camper", func(tx domain.Transaction) error {
		view := tx.Snapshot()
		sc, ok := view.FindScenario(scenarioID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityScenario, ID: scenarioID}
		}
		p, ok := view.FindPerson(person)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityPerson, ID: fmt.Sprint(person)}
		}
		if p.SessionID != sc.SessionID || p.Year != sc.Year {
			return fmt.Errorf("camper %d is not enrolled in session %d/%d", person, sc.SessionID, sc.Year)
		}
		if bunk != nil {
			b, ok := view.FindBunk(*bunk)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityBunk, ID: fmt.Sprint(*bunk)}
			}
			if b.SessionID != sc.SessionID {
				return fmt.Errorf("bunk %d belongs to session %d", b.ID, b.SessionID)
			}
		}

		var from *domain.BunkID
		for _, a := range orchestrator.Effective(view, sc.SessionID, sc.Year, sc.ID) {
			if a.PersonID != person {
				continue
			}
			if a.Locked {
				return fmt.Errorf("%w: camper %d", ErrAssignmentLocked, person)
			}
			b := a.BunkID
			from = &b
		}
		if samePlacement(from, bunk) {
			return nil
		}

		prod, inProd := view.FindAssignment(domain.AssignmentKey{PersonID: person, SessionID: sc.SessionID, Year: sc.Year})
		backToProduction := (bunk == nil && !inProd) || (bunk != nil && inProd && prod.BunkID == *bunk)
		overridden := false
		for _, sa := range view.ListScenarioAssignments(sc.ID) {
			if sa.PersonID == person {
				overridden = true
			}
		}
		if backToProduction && overridden {
			if err := tx.DeleteScenarioAssignment(sc.ID, person); err != nil {
				return err
			}
		} else if _, err := tx.PutScenarioAssignment(domain.ScenarioAssignment{ScenarioID: sc.ID, PersonID: person, BunkID: bunk}); err != nil {
			return err
		}
		return tx.AppendScenarioEvent(domain.ScenarioEvent{
			ScenarioID: sc.ID,
			Action:     domain.ScenarioEventMoved,
			PersonID:   person,
			FromBunk:   from,
			ToBunk:     bunk,
			At:         s.now(),
		})
	})
}

func samePlacement(a, b *domain.BunkID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ClearScenario unassigns every unlocked camper in the draft.
func (s *Service) ClearScenario(ctx context.Context, scenarioID string) (domain.Result, error) {
	return s.run(ctx, "clear_scenario", func(tx domain.Transaction) error {
		view := tx.Snapshot()
		sc, ok := view.FindScenario(scenarioID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityScenario, ID: scenarioID}
		}
		for _, a := range orchestrator.Effective(view, sc.SessionID, sc.Year, sc.ID) {
			if a.Locked {
				continue
			}
			if _, err := tx.PutScenarioAssignment(domain.ScenarioAssignment{ScenarioID: sc.ID, PersonID: a.PersonID}); err != nil {
				return err
			}
		}
		return tx.AppendScenarioEvent(domain.ScenarioEvent{ScenarioID: sc.ID, Action: domain.ScenarioEventCleared, At: s.now()})
	})
}

// RevertScenario drops every draft difference so the scenario mirrors production.
func (s *Service) RevertScenario(ctx context.Context, scenarioID string) (domain.Result, error) {
	return s.run(ctx, "revert_scenario", func(tx domain.Transaction) error {
		view := tx.Snapshot()
		if _, ok := view.FindScenario(scenarioID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityScenario, ID: scenarioID}
		}
		for _, sa := range view.ListScenarioAssignments(scenarioID) {
			if err := tx.DeleteScenarioAssignment(scenarioID, sa.PersonID); err != nil {
				return err
			}
		}
		return tx.AppendScenarioEvent(domain.ScenarioEvent{ScenarioID: scenarioID, Action: domain.ScenarioEventReverted, At: s.now()})
	})
}

// EffectiveAssignments returns the placements seen from a scenario, or
// production when scenarioID is empty.
func (s *Service) EffectiveAssignments(ctx context.Context, session domain.SessionID, year int, scenarioID string) ([]domain.Assignment, error) {
	var out []domain.Assignment
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if scenarioID != "" {
			sc, ok := view.FindScenario(scenarioID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityScenario, ID: scenarioID}
			}
			if sc.SessionID != session || sc.Year != year {
				return fmt.Errorf("scenario %s belongs to session %d/%d", scenarioID, sc.SessionID, sc.Year)
			}
		}
		out = orchestrator.Effective(view, session, year, scenarioID)
		return nil
	})
	return out, err
}

// ScenarioHistory returns the append-only event log of a scenario.
func (s *Service) ScenarioHistory(ctx context.Context, scenarioID string) ([]domain.ScenarioEvent, error) {
	var out []domain.ScenarioEvent
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindScenario(scenarioID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityScenario, ID: scenarioID}
		}
		out = view.ScenarioHistory(scenarioID)
		return nil
	})
	return out, err
}
