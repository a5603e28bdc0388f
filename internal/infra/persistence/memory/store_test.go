package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bunkcore/pkg/domain"

	"github.com/google/go-cmp/cmp"
)

func seed(t *testing.T, store *Store) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateSession(domain.Session{ID: 1, Name: "Session 2", Year: 2025}); err != nil {
			return err
		}
		for _, p := range []domain.Person{
			{ID: 10, FirstName: "Ada", LastName: "Lovelace", SessionID: 1, Year: 2025, Grade: 5},
			{ID: 11, FirstName: "Grace", LastName: "Hopper", SessionID: 1, Year: 2025, Grade: 5},
		} {
			if _, err := tx.CreatePerson(p); err != nil {
				return err
			}
		}
		_, err := tx.CreateBunk(domain.Bunk{ID: 100, Name: "B-1", SessionID: 1, Capacity: 2})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	seed(t, store)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Snapshot().FindRequest("missing"); ok {
			t.Fatalf("expected missing request lookup")
		}
		created, err := tx.CreateRequest(domain.BunkRequest{RequesterID: 10, RequesteeID: 11, SessionID: 1, Year: 2025, RequestType: domain.RequestBunkWith, Priority: 10, IsActive: true})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		if len(tx.Snapshot().ListRequests()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListRequests()) != 1 {
		t.Fatalf("expected persisted request")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListPersons()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if diff := cmp.Diff(snapshot, store.ExportState()); diff != "" {
		t.Fatalf("restored state mismatch (-want +got):\n%s", diff)
	}
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestStoreRuleViolationDiscardsChanges(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	seed(t, store)
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpdatePerson(10, func(p *domain.Person) error { p.Grade = 9; return nil })
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if p, _ := store.GetPerson(10); p.Grade != 5 {
		t.Fatalf("blocked transaction must not commit, grade=%d", p.Grade)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

func TestCreatePersonRequiresSession(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreatePerson(domain.Person{ID: 1, SessionID: 99})
		return err
	})
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) || nf.Entity != domain.EntitySession {
		t.Fatalf("expected missing session error, got %v", err)
	}
}

func TestUpdateErrorsPropagate(t *testing.T) {
	store := NewStore(nil)
	seed(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.UpdateBunk(999, func(*domain.Bunk) error { return nil }); err == nil {
			t.Fatalf("expected missing bunk error")
		}
		if _, err := tx.UpdateBunk(100, func(*domain.Bunk) error { return fmt.Errorf("boom") }); err == nil {
			t.Fatalf("expected mutator error")
		}
		if _, err := tx.UpdateRun("missing", func(*domain.SolverRun) error { return nil }); err == nil {
			t.Fatalf("expected missing run error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestAssignmentsAreLastWriterWins(t *testing.T) {
	store := NewStore(nil)
	seed(t, store)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateBunk(domain.Bunk{ID: 101, Name: "B-2", SessionID: 1, Capacity: 2}); err != nil {
			return err
		}
		if _, err := tx.PutAssignment(domain.Assignment{PersonID: 10, SessionID: 1, Year: 2025, BunkID: 100}); err != nil {
			return err
		}
		_, err := tx.PutAssignment(domain.Assignment{PersonID: 10, SessionID: 1, Year: 2025, BunkID: 101})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		got := v.ListAssignments()
		if len(got) != 1 || got[0].BunkID != 101 {
			t.Fatalf("expected single placement in bunk 101, got %+v", got)
		}
		return nil
	})
}

func TestScenarioOverlayAndHistory(t *testing.T) {
	store := NewStore(nil)
	seed(t, store)
	ctx := context.Background()
	var scenarioID string
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		sc, err := tx.CreateScenario(domain.Scenario{Name: "draft", SessionID: 1, Year: 2025, Origin: domain.ScenarioEmpty})
		if err != nil {
			return err
		}
		scenarioID = sc.ID
		if _, err := tx.PutScenarioAssignment(domain.ScenarioAssignment{ScenarioID: sc.ID, PersonID: 10}); err != nil {
			return err
		}
		return tx.AppendScenarioEvent(domain.ScenarioEvent{ScenarioID: sc.ID, Action: domain.ScenarioEventCreated})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		overlay := v.ListScenarioAssignments(scenarioID)
		if len(overlay) != 1 || overlay[0].BunkID != nil || overlay[0].SessionID != 1 {
			t.Fatalf("unexpected overlay %+v", overlay)
		}
		if h := v.ScenarioHistory(scenarioID); len(h) != 1 || h[0].At.IsZero() {
			t.Fatalf("unexpected history %+v", h)
		}
		return nil
	})
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteScenarioAssignment(scenarioID, 10)
	})
	if err != nil {
		t.Fatalf("delete overlay: %v", err)
	}
}

func TestReplaceFriendGroupsScopesBySession(t *testing.T) {
	store := NewStore(nil)
	seed(t, store)
	ctx := context.Background()
	replace := func(members []domain.PersonID) {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.ReplaceFriendGroups(1, 2025, []domain.FriendGroup{{Members: members, Completeness: 1}})
			return err
		})
		if err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	replace([]domain.PersonID{10, 11})
	replace([]domain.PersonID{11, 10})
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if groups := v.ListFriendGroups(); len(groups) != 1 {
			t.Fatalf("expected one group after replace, got %d", len(groups))
		}
		return nil
	})
}

func TestClonesIsolateCallers(t *testing.T) {
	store := NewStore(nil)
	seed(t, store)
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	var id string
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		r, err := tx.CreateRequest(domain.BunkRequest{RequesterID: 10, RequesteeID: 11, RequestType: domain.RequestBunkWith, ReviewReasons: []string{"a"}})
		id = r.ID
		r.ReviewReasons[0] = "mutated"
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	reqs := store.ListRequests()
	if reqs[0].ID != id || reqs[0].ReviewReasons[0] != "a" || !reqs[0].CreatedAt.Equal(fixed) {
		t.Fatalf("stored request leaked caller mutation: %+v", reqs[0])
	}
}

func TestMigrateSnapshotDropsDanglingRecords(t *testing.T) {
	snap := migrateSnapshot(Snapshot{
		Bunks:               map[domain.BunkID]domain.Bunk{1: {ID: 1, Capacity: 0}},
		Assignments:         map[string]domain.Assignment{"9:1:2025": {PersonID: 9, SessionID: 1, Year: 2025, BunkID: 1}},
		ScenarioAssignments: map[string]domain.ScenarioAssignment{"x:9": {ScenarioID: "x", PersonID: 9}},
		Requests:            map[string]domain.BunkRequest{"r": {Priority: 40, ConfidenceScore: 3}},
	})
	if snap.Bunks[1].Capacity != 1 {
		t.Fatalf("expected capacity floor")
	}
	if len(snap.Assignments) != 0 || len(snap.ScenarioAssignments) != 0 {
		t.Fatalf("expected dangling placements dropped")
	}
	if r := snap.Requests["r"]; r.Priority != domain.PriorityMax || r.ConfidenceScore != 1 {
		t.Fatalf("expected clamped request, got %+v", r)
	}
	if snap.Sessions == nil || snap.ConflictNotes == nil {
		t.Fatalf("expected empty buckets initialised")
	}
}
