// Package solver assigns campers to bunks for a constraint set. It is a
// greedy construction followed by a seeded move/swap local search that
// stops at the context deadline with the best assignment found so far.
package solver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"bunkcore/internal/config"
	"bunkcore/internal/constraint"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"go.uber.org/zap"
)

const (
	defaultIterations = 10000
	epsilon           = 1e-9
)

// Options bound one solve.
type Options struct {
	TimeLimit     time.Duration
	MaxIterations int
	Seed          int64
}

// OptionsFrom derives solve options from configuration.
func OptionsFrom(cfg config.SolverConfig) Options {
	return Options{TimeLimit: cfg.TimeLimit, MaxIterations: cfg.MaxIterations, Seed: cfg.Seed}
}

// Solver produces an assignment for a constraint set. When ctx ends first it
// returns the best partial result together with ctx.Err().
type Solver interface {
	Solve(ctx context.Context, set *constraint.Set, opts Options) (domain.RunResult, error)
}

// Func adapts a function to the Solver interface.
type Func func(ctx context.Context, set *constraint.Set, opts Options) (domain.RunResult, error)

// Solve implements Solver.
func (f Func) Solve(ctx context.Context, set *constraint.Set, opts Options) (domain.RunResult, error) {
	return f(ctx, set, opts)
}

// Local is the built-in local-search solver.
type Local struct {
	log *zap.Logger
}

// NewLocal constructs the local-search solver.
func NewLocal(log *zap.Logger) *Local {
	return &Local{log: logging.OrNop(log)}
}

// Solve implements Solver.
func (s *Local) Solve(ctx context.Context, set *constraint.Set, opts Options) (domain.RunResult, error) {
	if opts.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TimeLimit)
		defer cancel()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultIterations
	}
	m := newModel(set)
	st := m.newState()

	for b := range m.blocks {
		if m.fixed[b] >= 0 {
			m.place(st, b, m.fixed[b])
		}
	}
	interrupted := false
	for _, b := range m.constructionOrder() {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		m.placeBest(st, b)
	}
	iterations := 0
	if !interrupted {
		iterations, interrupted = m.improve(ctx, st, opts)
	}

	res := m.result(st)
	res.Partial = interrupted
	s.log.Info("solve finished",
		zap.Int64("session_id", int64(set.SessionID)),
		zap.Int("campers", len(m.persons)),
		zap.Int("bunks", len(m.bunks)),
		zap.Int("iterations", iterations),
		zap.Float64("objective", res.Objective),
		zap.Bool("partial", interrupted))
	if interrupted {
		return res, ctx.Err()
	}
	return res, nil
}

// constructionOrder lists free blocks, largest and most constrained first.
func (m *model) constructionOrder() []int {
	involvement := make([]float64, len(m.blocks))
	for _, t := range m.soft {
		for _, p := range t.persons {
			involvement[m.blockOf[p]] += t.weight
		}
	}
	for _, s := range m.seps {
		involvement[m.blockOf[s.a]]++
		involvement[m.blockOf[s.b]]++
	}
	var order []int
	for b := range m.blocks {
		if m.fixed[b] < 0 {
			order = append(order, b)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if len(m.blocks[a]) != len(m.blocks[b]) {
			return len(m.blocks[a]) > len(m.blocks[b])
		}
		if involvement[a] != involvement[b] {
			return involvement[a] > involvement[b]
		}
		return m.persons[m.blocks[a][0]].ID < m.persons[m.blocks[b][0]].ID
	})
	return order
}

// placeBest puts block in the best feasible bunk. Without a feasible bunk it
// falls back to any bunk with room, and otherwise leaves the block unplaced.
func (m *model) placeBest(st *state, block int) {
	pick := func(ok func(int) bool) int {
		best, bestScore := -1, 0.0
		for k := range m.bunks {
			if !ok(k) {
				continue
			}
			m.place(st, block, k)
			sc := m.score(st)
			m.place(st, block, -1)
			if best < 0 || sc > bestScore+epsilon {
				best, bestScore = k, sc
			}
		}
		return best
	}
	size := len(m.blocks[block])
	k := pick(func(k int) bool { return m.fits(st, block, k) })
	if k < 0 {
		k = pick(func(k int) bool { return !m.hardCap[k] || st.load[k]+size <= m.capacity[k] })
	}
	if k >= 0 {
		m.place(st, block, k)
	}
}

// improve hill-climbs with random moves and swaps of free blocks.
func (m *model) improve(ctx context.Context, st *state, opts Options) (int, bool) {
	var movable []int
	for b := range m.blocks {
		if m.fixed[b] < 0 {
			movable = append(movable, b)
		}
	}
	if len(movable) == 0 || len(m.bunks) < 2 {
		return 0, false
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	current := m.score(st)
	it := 0
	for ; it < opts.MaxIterations; it++ {
		if ctx.Err() != nil {
			return it, true
		}
		b := movable[rng.Intn(len(movable))]
		from := st.bunkOf[m.blocks[b][0]]
		if rng.Intn(2) == 0 {
			to := rng.Intn(len(m.bunks))
			if to == from || !m.fits(st, b, to) {
				continue
			}
			m.place(st, b, to)
			if sc := m.score(st); sc > current+epsilon {
				current = sc
			} else {
				m.place(st, b, from)
			}
			continue
		}
		o := movable[rng.Intn(len(movable))]
		to := st.bunkOf[m.blocks[o][0]]
		if o == b || from < 0 || to < 0 || from == to || len(m.blocks[o]) != len(m.blocks[b]) {
			continue
		}
		m.place(st, b, -1)
		m.place(st, o, -1)
		if m.fits(st, b, to) {
			m.place(st, b, to)
			if m.fits(st, o, from) {
				m.place(st, o, from)
				if sc := m.score(st); sc > current+epsilon {
					current = sc
					continue
				}
			}
		}
		m.place(st, b, from)
		m.place(st, o, to)
	}
	return it, false
}

// result reports the assignment of st with its diagnostics.
func (m *model) result(st *state) domain.RunResult {
	res := domain.RunResult{Objective: m.score(st)}
	res.Diagnostics.Relaxed = m.relaxed
	res.Diagnostics.Warnings = m.warnings
	infeasible := append([]string(nil), m.infeas...)
	satisfied, total := 0, 0
	tally := func(ok bool, counted int, id string) {
		total += counted
		if ok {
			satisfied += counted
			res.Diagnostics.SatisfiedSoft = append(res.Diagnostics.SatisfiedSoft, id)
		} else {
			res.Diagnostics.ViolatedSoft = append(res.Diagnostics.ViolatedSoft, id)
		}
	}

	for p, b := range st.bunkOf {
		if b < 0 {
			infeasible = append(infeasible, fmt.Sprintf("unplaced:%d", m.persons[p].ID))
			continue
		}
		res.Assignments = append(res.Assignments, domain.Placement{PersonID: m.persons[p].ID, BunkID: m.bunks[b].ID})
	}
	sort.Slice(res.Assignments, func(i, j int) bool { return res.Assignments[i].PersonID < res.Assignments[j].PersonID })

	for _, t := range m.soft {
		tally(together(st, t.persons) >= 1-epsilon, t.counted, t.id)
	}
	for _, t := range m.must {
		tally(m.mustHolds(st, t), 0, t.id)
	}
	for _, t := range m.ages {
		tally(m.ageFraction(st, t) >= 0.5, t.counted, t.id)
	}
	for _, s := range m.seps {
		total += s.counted
		if st.bunkOf[s.a] >= 0 && st.bunkOf[s.a] == st.bunkOf[s.b] {
			infeasible = append(infeasible, s.id)
			continue
		}
		satisfied += s.counted
	}
	for _, p := range m.pairs {
		total += p.counted
		satisfied += p.counted
	}
	for b := range m.bunks {
		if st.load[b] <= m.capacity[b] {
			continue
		}
		id := fmt.Sprintf("%s:%d", constraint.KindCapacity, m.bunks[b].ID)
		if m.hardCap[b] {
			infeasible = append(infeasible, id)
		} else {
			res.Diagnostics.ViolatedSoft = append(res.Diagnostics.ViolatedSoft, id)
		}
	}

	res.Diagnostics.InfeasibleHard = infeasible
	res.Stats = domain.RunStats{
		SatisfiedRequests: satisfied,
		TotalRequests:     total,
		Infeasible:        append([]string{}, infeasible...),
	}
	return res
}
