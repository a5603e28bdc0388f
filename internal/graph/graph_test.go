package graph

import (
	"testing"
	"time"

	"bunkcore/internal/config"
	"bunkcore/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func req(from, to domain.PersonID, typ domain.RequestType) domain.BunkRequest {
	return domain.BunkRequest{
		RequesterID:     from,
		RequesteeID:     to,
		SessionID:       1,
		Year:            2025,
		RequestType:     typ,
		Priority:        8,
		ConfidenceScore: 0.9,
		Status:          domain.StatusResolved,
		Source:          domain.SourceFamily,
		IsActive:        true,
	}
}

func clique(ids ...domain.PersonID) []domain.BunkRequest {
	var out []domain.BunkRequest
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				out = append(out, req(a, b, domain.RequestBunkWith))
			}
		}
	}
	return out
}

func analyze(cfg config.GraphConfig, reqs []domain.BunkRequest, notes ...domain.ConflictNote) Result {
	return New(cfg, nil).Analyze(Input{SessionID: 1, Year: 2025, Requests: reqs, Notes: notes, Now: now})
}

func TestReciprocityBoostsBothDirections(t *testing.T) {
	in := []domain.BunkRequest{
		req(1, 2, domain.RequestBunkWith),
		req(2, 1, domain.RequestBunkWith),
		req(3, 1, domain.RequestBunkWith),
	}
	res := analyze(config.DefaultGraph(), in)
	require.Len(t, res.Requests, 3)
	for _, r := range res.Requests[:2] {
		assert.True(t, r.IsReciprocal)
		assert.InDelta(t, 0.95, r.ConfidenceScore, 1e-9)
		assert.True(t, r.Metadata.ReciprocalBoost)
	}
	assert.False(t, res.Requests[2].IsReciprocal)
	assert.InDelta(t, 0.9, res.Requests[2].ConfidenceScore, 1e-9)
	assert.False(t, in[0].IsReciprocal, "input must not be mutated")

	full := req(4, 5, domain.RequestBunkWith)
	full.ConfidenceScore = 1
	res = analyze(config.DefaultGraph(), []domain.BunkRequest{full, req(5, 4, domain.RequestBunkWith)})
	assert.Equal(t, 1.0, res.Requests[0].ConfidenceScore)
}

func TestOpposingRequestsShareConflictGroup(t *testing.T) {
	res := analyze(config.DefaultGraph(), []domain.BunkRequest{
		req(1, 2, domain.RequestBunkWith),
		req(2, 1, domain.RequestNotBunkWith),
	})
	pos, neg := res.Requests[0], res.Requests[1]
	require.NotEmpty(t, pos.ConflictGroupID)
	assert.Equal(t, pos.ConflictGroupID, neg.ConflictGroupID)
	assert.Equal(t, ConflictGroupID(1, 2, 1), pos.ConflictGroupID)
	assert.Equal(t, domain.StatusPending, pos.Status)
	assert.Equal(t, domain.StatusPending, neg.Status)
	assert.Contains(t, pos.ReviewReasons, ReasonOpposingRequests)
	assert.Contains(t, neg.ReviewReasons, ReasonOpposingRequests)
	require.Len(t, res.Problems, 1)
	assert.Equal(t, domain.ProblemNeedsReview, res.Problems[0].Kind)
}

func TestFamilyNoteAutoResolvesTowardNegative(t *testing.T) {
	note := func(age time.Duration, confidence float64) domain.ConflictNote {
		return domain.ConflictNote{SessionID: 1, PersonA: 2, PersonB: 1, ResolvedWithFamily: true, Confidence: confidence, RecordedAt: now.Add(-age)}
	}
	pair := []domain.BunkRequest{req(1, 2, domain.RequestBunkWith), req(2, 1, domain.RequestNotBunkWith)}

	res := analyze(config.DefaultGraph(), pair, note(10*24*time.Hour, 0.95))
	pos, neg := res.Requests[0], res.Requests[1]
	assert.Equal(t, domain.StatusDeclined, pos.Status)
	assert.Equal(t, "conflict_note", pos.Metadata.SuppressedBy)
	assert.NotEmpty(t, neg.Metadata.AutoResolution)
	assert.Equal(t, domain.StatusResolved, neg.Status)
	assert.False(t, neg.RequiresManualReview)
	assert.Empty(t, res.Problems)

	for name, n := range map[string]domain.ConflictNote{
		"stale":          note(400*24*time.Hour, 0.95),
		"low confidence": note(time.Hour, 0.8),
	} {
		t.Run(name, func(t *testing.T) {
			res := analyze(config.DefaultGraph(), pair, n)
			assert.Equal(t, domain.StatusPending, res.Requests[0].Status)
			assert.Len(t, res.Problems, 1)
		})
	}
}

func TestFriendGroupsFromMutualClusters(t *testing.T) {
	reqs := append(clique(1, 2, 3, 4), req(7, 8, domain.RequestBunkWith), req(8, 7, domain.RequestBunkWith))
	declined := req(4, 9, domain.RequestBunkWith)
	declined.Status = domain.StatusDeclined
	reqs = append(reqs, declined, req(9, 4, domain.RequestBunkWith))

	res := analyze(config.DefaultGraph(), reqs)
	require.Len(t, res.FriendGroups, 1)
	g := res.FriendGroups[0]
	assert.Equal(t, []domain.PersonID{1, 2, 3, 4}, g.Members)
	assert.Equal(t, 1.0, g.Completeness)
	assert.Empty(t, g.ParentID)
	assert.NotEmpty(t, g.ID)
}

func TestOversizedGroupsAreSplit(t *testing.T) {
	reqs := clique(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	cases := []struct {
		strategy config.SplitStrategy
		sizes    []int
	}{
		{config.SplitBalanced, []int{5, 5}},
		{config.SplitSequential, []int{8, 2}},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			cfg := config.DefaultGraph()
			cfg.SplitStrategy = tc.strategy
			res := analyze(cfg, reqs)
			require.Len(t, res.FriendGroups, len(tc.sizes))
			seen := map[domain.PersonID]bool{}
			for i, g := range res.FriendGroups {
				assert.Len(t, g.Members, tc.sizes[i])
				assert.NotEmpty(t, g.ParentID)
				assert.Equal(t, res.FriendGroups[0].ParentID, g.ParentID)
				for _, m := range g.Members {
					assert.False(t, seen[m])
					seen[m] = true
				}
			}
		})
	}

	cfg := config.DefaultGraph()
	cfg.SubgroupMinSize = 6
	res := analyze(cfg, reqs)
	for _, g := range res.FriendGroups {
		assert.GreaterOrEqual(t, len(g.Members), 6)
	}
}

func TestIneligibleRequestsStayOutOfTheGraph(t *testing.T) {
	other := req(1, 2, domain.RequestBunkWith)
	other.SessionID = 2
	inactive := req(2, 1, domain.RequestBunkWith)
	inactive.IsActive = false
	unresolved := req(3, -44, domain.RequestBunkWith)
	res := analyze(config.DefaultGraph(), []domain.BunkRequest{other, inactive, unresolved})
	assert.Zero(t, res.Graph.Len())
	for _, r := range res.Requests {
		assert.False(t, r.IsReciprocal)
	}
}
