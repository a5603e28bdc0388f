package priority

import (
	"testing"

	"bunkcore/internal/collect"
	"bunkcore/internal/config"
	"bunkcore/internal/resolver"
	"bunkcore/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var people = map[domain.PersonID]domain.Person{
	1: {ID: 1, FirstName: "Maya", SessionID: 1, Year: 2025, Grade: 5, AgeMonths: 130},
	2: {ID: 2, FirstName: "Sarah", SessionID: 1, Year: 2025, Grade: 5, AgeMonths: 131},
	3: {ID: 3, FirstName: "Emma", SessionID: 1, Year: 2025, Grade: 5, AgeMonths: 128},
	4: {ID: 4, FirstName: "Lily", SessionID: 1, Year: 2025, Grade: 6, AgeMonths: 140},
	5: {ID: 5, FirstName: "Brandon", SessionID: 1, Year: 2025, Grade: 5, AgeMonths: 129},
	6: {ID: 6, FirstName: "Theo", SessionID: 1, Year: 2025, Grade: 9, AgeMonths: 170},
}

func lookup(id domain.PersonID) (domain.Person, bool) {
	p, ok := people[id]
	return p, ok
}

func cand(target domain.PersonID, typ domain.RequestType, field domain.SourceField, pos int) collect.Candidate {
	return collect.Candidate{
		RequesterID: 1,
		SessionID:   1,
		Year:        2025,
		TargetID:    target,
		TargetName:  people[target].FirstName,
		Type:        typ,
		Source:      field.Source(),
		Field:       field,
		Position:    pos,
		Confidence:  0.9,
		Method:      resolver.MethodExact,
	}
}

func resolve(t *testing.T, cands ...collect.Candidate) ([]domain.BunkRequest, []domain.Problem) {
	t.Helper()
	return New(config.DefaultPriority(), nil).Resolve(people[1], cands, lookup)
}

func byTarget(reqs []domain.BunkRequest, target domain.PersonID, typ domain.RequestType) domain.BunkRequest {
	for _, r := range reqs {
		if r.RequesteeID == target && r.RequestType == typ {
			return r
		}
	}
	return domain.BunkRequest{}
}

func TestPositionPriorityIsOrdered(t *testing.T) {
	reqs, problems := resolve(t,
		cand(2, domain.RequestBunkWith, domain.FieldShareBunkWith, 1),
		cand(3, domain.RequestBunkWith, domain.FieldShareBunkWith, 2),
		cand(4, domain.RequestBunkWith, domain.FieldShareBunkWith, 3),
	)
	require.Len(t, reqs, 3)
	assert.Empty(t, problems)
	assert.Equal(t, 10, reqs[0].Priority)
	assert.Equal(t, 9, reqs[1].Priority)
	assert.Equal(t, 8, reqs[2].Priority)
	for _, r := range reqs {
		assert.Equal(t, domain.StatusResolved, r.Status)
		assert.True(t, r.IsActive)
	}
}

func TestKeywordModeDemotesEveryOtherRequest(t *testing.T) {
	sarah := cand(2, domain.RequestBunkWith, domain.FieldShareBunkWith, 1)
	sarah.TargetName = "Sarah (must have)"
	emma := cand(3, domain.RequestBunkWith, domain.FieldShareBunkWith, 2)
	lily := cand(4, domain.RequestBunkWith, domain.FieldShareBunkWith, 3)
	lily.Keywords = []string{"Very Important"}
	brandon := cand(5, domain.RequestNotBunkWith, domain.FieldDoNotShareBunkWith, 1)

	reqs, _ := resolve(t, emma, sarah, lily, brandon)
	require.Len(t, reqs, 4)
	for _, r := range reqs {
		if len(r.Metadata.Keywords) == 0 {
			assert.Less(t, r.Priority, domain.PriorityMax, "request to %d", r.RequesteeID)
		} else {
			assert.Equal(t, domain.PriorityMax, r.Priority)
		}
	}
	assert.Equal(t, []string{"must have"}, byTarget(reqs, 2, domain.RequestBunkWith).Metadata.Keywords)
	assert.Equal(t, 5, byTarget(reqs, 3, domain.RequestBunkWith).Priority)
	assert.Equal(t, 5, byTarget(reqs, 5, domain.RequestNotBunkWith).Priority)
}

func TestStaffNegativeSuppressesFamilyPositive(t *testing.T) {
	family := cand(5, domain.RequestBunkWith, domain.FieldShareBunkWith, 1)
	staff := cand(5, domain.RequestNotBunkWith, domain.FieldBunkingNotes, 1)
	reqs, _ := resolve(t, family, staff)
	require.Len(t, reqs, 2)

	neg := byTarget(reqs, 5, domain.RequestNotBunkWith)
	assert.Equal(t, domain.SourceStaff, neg.Source)
	assert.Equal(t, domain.StatusResolved, neg.Status)

	pos := byTarget(reqs, 5, domain.RequestBunkWith)
	assert.Equal(t, domain.StatusDeclined, pos.Status)
	assert.Equal(t, "staff not_bunk_with", pos.Metadata.SuppressedBy)
	assert.Contains(t, pos.ReviewReasons, ReasonSuppressed)
}

func TestFamilyContradictionKeepsHigherPrecedence(t *testing.T) {
	reqs, problems := resolve(t,
		cand(3, domain.RequestNotBunkWith, domain.FieldDoNotShareBunkWith, 1),
		cand(3, domain.RequestBunkWith, domain.FieldShareBunkWith, 2),
	)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.RequestBunkWith, reqs[0].RequestType)
	assert.Equal(t, domain.StatusPending, reqs[0].Status)
	require.Len(t, reqs[0].Metadata.DroppedDuplicates, 1)
	assert.Equal(t, domain.FieldDoNotShareBunkWith, reqs[0].Metadata.DroppedDuplicates[0].SourceField)
	require.Len(t, problems, 1)
	assert.Equal(t, domain.ProblemDuplicateRequest, problems[0].Kind)
}

func TestDuplicateTripleMergesProvenance(t *testing.T) {
	family := cand(3, domain.RequestBunkWith, domain.FieldShareBunkWith, 2)
	staff := cand(3, domain.RequestBunkWith, domain.FieldBunkingNotes, 1)
	staff.Confidence = 0.8
	reqs, problems := resolve(t, family, staff)
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, domain.SourceFamily, r.Source)
	assert.Equal(t, domain.FieldShareBunkWith, r.SourceField)
	assert.Equal(t, 10, r.Priority)
	assert.InDelta(t, 0.95, r.ConfidenceScore, 1e-9)
	assert.InDelta(t, 0.05, r.Metadata.ConfidenceBoost, 1e-9)
	assert.Equal(t, []domain.SourceField{domain.FieldShareBunkWith, domain.FieldBunkingNotes}, r.Metadata.SourceFields)
	assert.Equal(t, []domain.RequestSource{domain.SourceFamily, domain.SourceStaff}, r.Metadata.Sources)
	require.Len(t, r.Metadata.DroppedDuplicates, 1)
	assert.Equal(t, "duplicate", r.Metadata.DroppedDuplicates[0].Reason)
	require.Len(t, problems, 1)
}

func TestAgePreferenceTiers(t *testing.T) {
	age := cand(0, domain.RequestAgePreference, domain.FieldShareBunkWith, 1)
	age.TargetName = ""
	age.AgeDirection = domain.AgeOlder

	reqs, _ := resolve(t, age)
	require.Len(t, reqs, 1)
	assert.Equal(t, 10, reqs[0].Priority)
	assert.Equal(t, domain.AgeOlder, reqs[0].Metadata.AgePreference)

	reqs, _ = resolve(t, age, cand(2, domain.RequestBunkWith, domain.FieldShareBunkWith, 2))
	assert.Equal(t, domain.PriorityMin, byTarget(reqs, 0, domain.RequestAgePreference).Priority)

	parent := age
	parent.Field = domain.FieldSocializeWith
	parent.Source = domain.SourceParent
	reqs, _ = resolve(t, parent)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.PriorityMin, reqs[0].Priority)

	younger := parent
	younger.AgeDirection = domain.AgeYounger
	reqs, _ = resolve(t, age, younger)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.SourceFamily, reqs[0].Source)
	assert.Contains(t, reqs[0].ReviewReasons, ReasonConflictingAgeRequests)
}

func TestSingleContinuityPlaceholder(t *testing.T) {
	prior := func(target domain.PersonID, name string, pos int) collect.Candidate {
		c := cand(target, domain.RequestPriorYearContinuity, domain.FieldPriorYearBunkmates, pos)
		c.TargetName = name
		return c
	}
	history := []collect.Candidate{
		prior(2, "Sarah", 1),
		prior(resolver.UnresolvedID("Gone Camper"), "Gone Camper", 2),
		prior(3, "Emma", 3),
	}
	reqs, _ := resolve(t, history...)
	require.Len(t, reqs, 1)
	p := reqs[0]
	assert.Equal(t, domain.RequestPriorYearContinuity, p.RequestType)
	assert.Equal(t, domain.PersonID(0), p.RequesteeID)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, domain.PriorityMax, p.Priority)
	assert.Equal(t, []string{"Sarah", "Gone Camper", "Emma"}, p.Metadata.HistoricalNames)
	require.Len(t, p.Metadata.Candidates, 2)

	reqs, _ = resolve(t, append(history, cand(4, domain.RequestBunkWith, domain.FieldShareBunkWith, 1))...)
	require.Len(t, reqs, 2)
	assert.Equal(t, domain.PriorityMax-1, byTarget(reqs, 0, domain.RequestPriorYearContinuity).Priority)
}

func TestSpreadConversion(t *testing.T) {
	theo := cand(6, domain.RequestBunkWith, domain.FieldShareBunkWith, 1)
	theo.OriginalText = "Theo"
	reqs, problems := resolve(t, theo)
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, domain.RequestSpreadLimited, r.RequestType)
	assert.Equal(t, 1.0, r.ConfidenceScore)
	require.NotNil(t, r.Metadata.Spread)
	assert.Equal(t, 4, r.Metadata.Spread.GradeDiff)
	assert.Equal(t, "Theo", r.Metadata.OriginalText)
	require.Len(t, problems, 1)
	assert.Equal(t, domain.ProblemSpreadViolation, problems[0].Kind)
}

func TestReviewRoutingAndDecline(t *testing.T) {
	low := cand(2, domain.RequestBunkWith, domain.FieldShareBunkWith, 1)
	low.Confidence = 0.4
	unresolved := cand(resolver.UnresolvedID("Blooma"), domain.RequestBunkWith, domain.FieldShareBunkWith, 2)
	unresolved.Confidence = 0
	unresolved.ReviewReasons = []string{collect.ReasonUnresolvedName}
	declined := cand(99, domain.RequestBunkWith, domain.FieldShareBunkWith, 3)
	declined.Declined = true

	reqs, _ := resolve(t, low, unresolved, declined)
	require.Len(t, reqs, 3)
	assert.Equal(t, domain.StatusPending, reqs[0].Status)
	assert.Contains(t, reqs[0].ReviewReasons, ReasonLowConfidence)
	assert.Equal(t, domain.StatusPending, reqs[1].Status)
	assert.Contains(t, reqs[1].ReviewReasons, collect.ReasonUnresolvedName)
	assert.Equal(t, domain.StatusDeclined, reqs[2].Status)
}

func TestResolveBatchVisitsRequestersInOrder(t *testing.T) {
	batch := &collect.Batch{Candidates: map[domain.PersonID][]collect.Candidate{}}
	for _, requester := range []domain.PersonID{3, 1, 2} {
		c := cand(4, domain.RequestBunkWith, domain.FieldShareBunkWith, 1)
		c.RequesterID = requester
		batch.Candidates[requester] = []collect.Candidate{c}
	}
	reqs, _ := New(config.DefaultPriority(), nil).ResolveBatch(batch, lookup)
	require.Len(t, reqs, 3)
	assert.Equal(t, []domain.PersonID{1, 2, 3}, []domain.PersonID{reqs[0].RequesterID, reqs[1].RequesterID, reqs[2].RequesterID})
}

func TestSoleRequestIgnoresDeclinedRows(t *testing.T) {
	age := cand(0, domain.RequestAgePreference, domain.FieldShareBunkWith, 1)
	age.TargetName = ""
	age.AgeDirection = domain.AgeOlder
	prior := cand(2, domain.RequestPriorYearContinuity, domain.FieldPriorYearBunkmates, 1)
	declined := cand(99, domain.RequestBunkWith, domain.FieldShareBunkWith, 2)
	declined.Declined = true

	reqs, _ := resolve(t, prior, declined)
	require.Len(t, reqs, 2)
	assert.Equal(t, domain.PriorityMax, byTarget(reqs, 0, domain.RequestPriorYearContinuity).Priority)

	reqs, _ = resolve(t, age, declined)
	require.Len(t, reqs, 2)
	assert.Equal(t, 10, byTarget(reqs, 0, domain.RequestAgePreference).Priority)

	// Age and continuity rows are never sole together.
	reqs, _ = resolve(t, age, prior)
	require.Len(t, reqs, 2)
	assert.Equal(t, domain.PriorityMin, byTarget(reqs, 0, domain.RequestAgePreference).Priority)
	assert.Equal(t, domain.PriorityMax-1, byTarget(reqs, 0, domain.RequestPriorYearContinuity).Priority)
}
