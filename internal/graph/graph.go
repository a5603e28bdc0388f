// Package graph analyzes the directed request graph of a session: it marks
// reciprocal requests, flags opposing requests and synthesizes friend groups.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bunkcore/internal/config"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Review reasons added by the analyzer.
const (
	ReasonOpposingRequests = "opposing_requests"
)

var namespace = uuid.MustParse("6f1d7c2e-8a43-4b8e-9d0c-2b7f3e51a9c4")

// ConflictGroupID derives the stable conflict group id of an unordered pair.
func ConflictGroupID(session domain.SessionID, a, b domain.PersonID) string {
	if a > b {
		a, b = b, a
	}
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("conflict:%d:%d:%d", session, a, b))).String()
}

func friendGroupID(session domain.SessionID, members []domain.PersonID) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		parts = append(parts, fmt.Sprint(m))
	}
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("friends:%d:%s", session, strings.Join(parts, ",")))).String()
}

// Input is the finalized request set of one session.
type Input struct {
	SessionID domain.SessionID
	Year      int
	Requests  []domain.BunkRequest
	Notes     []domain.ConflictNote
	Now       time.Time
}

// Result carries the annotated requests and synthesized friend groups.
type Result struct {
	Requests     []domain.BunkRequest
	FriendGroups []domain.FriendGroup
	Problems     []domain.Problem
	Graph        *Graph
}

// Analyzer runs reciprocity, conflict and friend-group detection.
type Analyzer struct {
	cfg config.GraphConfig
	log *zap.Logger
}

// New constructs an analyzer for cfg.
func New(cfg config.GraphConfig, log *zap.Logger) *Analyzer {
	return &Analyzer{cfg: cfg, log: logging.OrNop(log)}
}

// Analyze returns annotated copies of the input requests.
func (a *Analyzer) Analyze(in Input) Result {
	reqs := make([]domain.BunkRequest, len(in.Requests))
	for i, r := range in.Requests {
		r.ReviewReasons = append([]string(nil), r.ReviewReasons...)
		reqs[i] = r
	}
	g := newGraph()
	for i, r := range reqs {
		if !eligible(r, in.SessionID) {
			continue
		}
		g.addEdge(r.RequesterID, r.RequesteeID, i, r.RequestType.Positive())
	}

	res := Result{Graph: g}
	a.reciprocity(g, reqs)
	res.Problems = a.conflicts(g, reqs, in)
	res.FriendGroups = a.friendGroups(g, reqs, in)
	res.Requests = reqs
	return res
}

func eligible(r domain.BunkRequest, session domain.SessionID) bool {
	if !r.IsActive || r.Status == domain.StatusDeclined || r.SessionID != session {
		return false
	}
	if r.RequesterID <= 0 || r.RequesteeID <= 0 {
		return false
	}
	return r.RequestType == domain.RequestBunkWith || r.RequestType == domain.RequestNotBunkWith
}

func (a *Analyzer) reciprocity(g *Graph, reqs []domain.BunkRequest) {
	for _, e := range g.edges {
		if !e.Positive {
			continue
		}
		if _, ok := g.find(e.To, e.From, true); !ok {
			continue
		}
		r := &reqs[e.Request]
		r.IsReciprocal = true
		if !r.Metadata.ReciprocalBoost {
			r.Metadata.ReciprocalBoost = true
			r.Metadata.ConfidenceBoost += a.cfg.ReciprocalBoost
			r.ConfidenceScore = domain.ClampConfidence(r.ConfidenceScore + a.cfg.ReciprocalBoost)
		}
	}
}

func (a *Analyzer) conflicts(g *Graph, reqs []domain.BunkRequest, in Input) []domain.Problem {
	var problems []domain.Problem
	for _, pos := range g.edges {
		if !pos.Positive {
			continue
		}
		neg, ok := g.find(pos.To, pos.From, false)
		if !ok {
			continue
		}
		p, n := &reqs[pos.Request], &reqs[neg.Request]
		groupID := ConflictGroupID(in.SessionID, p.RequesterID, p.RequesteeID)
		p.ConflictGroupID, n.ConflictGroupID = groupID, groupID

		if note, ok := a.override(in, p.RequesterID, p.RequesteeID); ok {
			resolution := fmt.Sprintf("resolved with family on %s; negative kept", note.RecordedAt.Format("2006-01-02"))
			p.Status = domain.StatusDeclined
			p.Metadata.SuppressedBy = "conflict_note"
			p.Metadata.AutoResolution = resolution
			n.Metadata.AutoResolution = resolution
			a.log.Info("auto-resolved opposing requests",
				zap.Int64("positive_requester", int64(p.RequesterID)),
				zap.Int64("negative_requester", int64(n.RequesterID)),
				zap.String("conflict_group_id", groupID))
			continue
		}
		p.FlagForReview(ReasonOpposingRequests)
		n.FlagForReview(ReasonOpposingRequests)
		if p.Status == domain.StatusResolved {
			p.Status = domain.StatusPending
		}
		if n.Status == domain.StatusResolved {
			n.Status = domain.StatusPending
		}
		a.log.Warn("opposing requests need review",
			zap.Int64("positive_requester", int64(p.RequesterID)),
			zap.Int64("negative_requester", int64(n.RequesterID)),
			zap.String("conflict_group_id", groupID))
		problems = append(problems, domain.Problem{
			Kind:        domain.ProblemNeedsReview,
			RequesterID: p.RequesterID,
			TargetID:    p.RequesteeID,
			Message:     "opposing requests in conflict group " + groupID,
		})
	}
	return problems
}

// override returns the newest qualifying "resolved with family" note.
func (a *Analyzer) override(in Input, x, y domain.PersonID) (domain.ConflictNote, bool) {
	var best domain.ConflictNote
	found := false
	for _, n := range in.Notes {
		if n.SessionID != in.SessionID || !n.Covers(x, y) || !n.ResolvedWithFamily {
			continue
		}
		if n.Confidence < a.cfg.NoteMinConfidence {
			continue
		}
		if a.cfg.NoteMaxAge > 0 && in.Now.Sub(n.RecordedAt) > a.cfg.NoteMaxAge {
			continue
		}
		if !found || n.RecordedAt.After(best.RecordedAt) {
			best, found = n, true
		}
	}
	return best, found
}

func (a *Analyzer) friendGroups(g *Graph, reqs []domain.BunkRequest, in Input) []domain.FriendGroup {
	uf := newUnionFind(g.Len())
	for _, e := range g.edges {
		if !e.Positive || !reqs[e.Request].IsReciprocal || reqs[e.Request].Status == domain.StatusDeclined {
			continue
		}
		uf.union(e.From, e.To)
	}
	var groups []domain.FriendGroup
	for _, comp := range uf.components(g) {
		if len(comp) < a.cfg.GroupMinSize {
			continue
		}
		completeness := density(g, reqs, comp)
		if completeness < a.cfg.GroupCompleteness {
			continue
		}
		members := make([]domain.PersonID, 0, len(comp))
		for _, i := range comp {
			members = append(members, g.Person(i))
		}
		group := domain.FriendGroup{
			Base:         domain.Base{ID: friendGroupID(in.SessionID, members), CreatedAt: in.Now, UpdatedAt: in.Now},
			SessionID:    in.SessionID,
			Year:         in.Year,
			Members:      members,
			Completeness: completeness,
		}
		if len(members) <= a.cfg.GroupMaxSize {
			groups = append(groups, group)
			continue
		}
		order := bfsOrder(g, reqs, comp)
		for _, chunk := range a.split(order) {
			sub := make([]domain.PersonID, 0, len(chunk))
			for _, i := range chunk {
				sub = append(sub, g.Person(i))
			}
			sort.Slice(sub, func(i, j int) bool { return sub[i] < sub[j] })
			groups = append(groups, domain.FriendGroup{
				Base:         domain.Base{ID: friendGroupID(in.SessionID, sub), CreatedAt: in.Now, UpdatedAt: in.Now},
				SessionID:    in.SessionID,
				Year:         in.Year,
				Members:      sub,
				Completeness: density(g, reqs, chunk),
				ParentID:     group.ID,
			})
		}
		a.log.Info("split oversized friend group",
			zap.String("group_id", group.ID),
			zap.Int("members", len(members)),
			zap.String("strategy", string(a.cfg.SplitStrategy)))
	}
	return groups
}

// density is the share of ordered member pairs joined by an active positive request.
func density(g *Graph, reqs []domain.BunkRequest, comp []int) float64 {
	if len(comp) < 2 {
		return 0
	}
	in := make(map[int]bool, len(comp))
	for _, i := range comp {
		in[i] = true
	}
	seen := make(map[[2]int]bool)
	for _, i := range comp {
		for _, e := range g.out[i] {
			edge := g.edges[e]
			if edge.Positive && in[edge.To] && reqs[edge.Request].Status != domain.StatusDeclined {
				seen[[2]int{edge.From, edge.To}] = true
			}
		}
	}
	return float64(len(seen)) / float64(len(comp)*(len(comp)-1))
}

// bfsOrder walks reciprocal edges from the smallest member so that
// consecutive members tend to be friends.
func bfsOrder(g *Graph, reqs []domain.BunkRequest, comp []int) []int {
	in := make(map[int]bool, len(comp))
	for _, i := range comp {
		in[i] = true
	}
	visited := make(map[int]bool, len(comp))
	order := make([]int, 0, len(comp))
	for _, start := range comp {
		if visited[start] {
			continue
		}
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			order = append(order, cur)
			var next []int
			for _, e := range g.out[cur] {
				edge := g.edges[e]
				if edge.Positive && reqs[edge.Request].IsReciprocal && in[edge.To] && !visited[edge.To] {
					visited[edge.To] = true
					next = append(next, edge.To)
				}
			}
			sort.Slice(next, func(i, j int) bool { return g.nodes[next[i]] < g.nodes[next[j]] })
			queue = append(queue, next...)
		}
	}
	return order
}

// split cuts an ordered member list into subgroups within
// [SubgroupMinSize, GroupMaxSize]. Members that cannot form a large enough
// subgroup are left out.
func (a *Analyzer) split(order []int) [][]int {
	var chunks [][]int
	if a.cfg.SplitStrategy == config.SplitSequential {
		chunks, _ = sequential(order, a.cfg.GroupMaxSize, a.cfg.SubgroupMinSize)
	}
	if chunks == nil {
		chunks = balanced(order, a.cfg.GroupMaxSize)
	}
	kept := chunks[:0]
	for _, c := range chunks {
		if len(c) >= a.cfg.SubgroupMinSize {
			kept = append(kept, c)
		}
	}
	return kept
}

func balanced(order []int, max int) [][]int {
	k := (len(order) + max - 1) / max
	chunks := make([][]int, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := len(order) / k
		if i < len(order)%k {
			size++
		}
		chunks = append(chunks, order[start:start+size])
		start += size
	}
	return chunks
}

func sequential(order []int, max, min int) ([][]int, bool) {
	var sizes []int
	for rest := len(order); rest > 0; rest -= max {
		if rest < max {
			sizes = append(sizes, rest)
		} else {
			sizes = append(sizes, max)
		}
	}
	if last := len(sizes) - 1; last > 0 && sizes[last] < min {
		borrow := min - sizes[last]
		if sizes[last-1]-borrow < min {
			return nil, false
		}
		sizes[last-1] -= borrow
		sizes[last] += borrow
	}
	chunks := make([][]int, 0, len(sizes))
	start := 0
	for _, s := range sizes {
		chunks = append(chunks, order[start:start+s])
		start += s
	}
	return chunks, true
}
