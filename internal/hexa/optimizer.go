package hexa

import (
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxBruteForceFilters bounds full permutation enumeration.
	MaxBruteForceFilters = 7

	// MaxBruteForce bounds the partial brute force stage for larger joins.
	MaxBruteForce = 2000

	// MaxGenetic bounds the genetic refinement iterations.
	MaxGenetic = 500
)

// Optimizer searches filter orderings for the cheapest join plan. Small
// joins are solved exactly; larger ones brute force a prefix, complete
// greedily and then refine with a genetic position-swapping search.
type Optimizer struct {
	logger  *zap.Logger
	session *Session
	filters []*TableFilter

	forceJoinOrder bool

	rnd *rand.Rand

	bestPlan *Plan
	bestCost float64

	// switched tracks position pairs already tried since the last
	// improvement, keyed a*n+b.
	switched map[int]struct{}

	x     int
	start time.Time
	now   func() time.Time
}

// NewOptimizer builds a search over the given filters. The random source
// is injected so results are reproducible under a fixed seed.
func NewOptimizer(logger *zap.Logger, session *Session, filters []*TableFilter, forceJoinOrder bool, rnd *rand.Rand) *Optimizer {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Optimizer{
		logger:         logger,
		session:        session,
		filters:        filters,
		forceJoinOrder: forceJoinOrder,
		rnd:            rnd,
		bestCost:       -1,
		switched:       make(map[int]struct{}),
		now:            time.Now,
	}
}

// Optimize runs the search and returns the winning plan with filters
// chained in execution order and each filter's access path assigned.
func (o *Optimizer) Optimize() *Plan {
	o.start = o.now()
	n := len(o.filters)

	switch {
	case o.forceJoinOrder || n == 1:
		o.testPlan(o.filters)
	case n <= MaxBruteForceFilters:
		o.calculateBruteForceAll()
	default:
		o.calculateBruteForceSome()
		o.calculateGenetic()
	}

	best := o.bestPlan
	best.removeUnusableIndexConditions(o.session)
	for i, f := range best.Filters {
		f.Plan = best.Items[f]
		if i+1 < len(best.Filters) {
			f.Join = best.Filters[i+1]
		} else {
			f.Join = nil
		}
	}
	if o.logger != nil {
		o.logger.Debug("join order chosen",
			zap.Int("filters", n),
			zap.Float64("cost", best.Cost))
	}
	return best
}

// canStop checks the time/cost gate every 128 evaluated orderings: once
// the elapsed nanoseconds exceed the best cost scaled by 100_000, further
// search would cost more than it could save.
func (o *Optimizer) canStop() bool {
	o.x++
	if o.x&127 != 0 {
		return false
	}
	if o.bestCost < 0 {
		return false
	}
	return float64(o.now().Sub(o.start).Nanoseconds()) > o.bestCost*100_000
}

// testPlan evaluates one ordering, keeping it when it beats the best so
// far. Returns the ordering's cost.
func (o *Optimizer) testPlan(order []*TableFilter) float64 {
	filters := make([]*TableFilter, len(order))
	copy(filters, order)
	plan := NewPlan(filters)
	cost := plan.CalculateCost(o.session)
	if o.bestCost < 0 || cost < o.bestCost {
		o.bestCost = cost
		o.bestPlan = plan
	}
	return cost
}

// calculateBruteForceAll enumerates every permutation, stopping early when
// the time gate trips.
func (o *Optimizer) calculateBruteForceAll() {
	order := make([]*TableFilter, len(o.filters))
	copy(order, o.filters)
	o.permute(order, 0)
}

func (o *Optimizer) permute(order []*TableFilter, k int) bool {
	if k == len(order) {
		o.testPlan(order)
		return !o.canStop()
	}
	for i := k; i < len(order); i++ {
		order[k], order[i] = order[i], order[k]
		more := o.permute(order, k+1)
		order[k], order[i] = order[i], order[k]
		if !more {
			return false
		}
	}
	return true
}

// bruteForcePrefixLength picks the largest k whose prefix enumeration
// stays within the MaxBruteForce work budget.
func bruteForcePrefixLength(n int) int {
	k := 0
	for k < n {
		next := k + 1
		work := int64(n) * int64(next) * int64(next-1) / 2 * permCount(n, next)
		if work > MaxBruteForce {
			break
		}
		k = next
	}
	if k < 1 {
		k = 1
	}
	return k
}

// permCount returns n!/(n-k)! capped to avoid overflow.
func permCount(n, k int) int64 {
	out := int64(1)
	for i := 0; i < k; i++ {
		out *= int64(n - i)
		if out > MaxBruteForce*1000 {
			return out
		}
	}
	return out
}

// calculateBruteForceSome enumerates orderings of the first k positions
// and completes each prefix greedily with the filter that minimizes the
// incremental cost.
func (o *Optimizer) calculateBruteForceSome() {
	n := len(o.filters)
	k := bruteForcePrefixLength(n)

	prefix := make([]*TableFilter, 0, k)
	used := make([]bool, n)
	o.bruteForcePrefix(prefix, used, k)
}

func (o *Optimizer) bruteForcePrefix(prefix []*TableFilter, used []bool, k int) bool {
	if len(prefix) == k {
		o.completeGreedy(prefix, used)
		return !o.canStop()
	}
	for i, f := range o.filters {
		if used[i] {
			continue
		}
		used[i] = true
		more := o.bruteForcePrefix(append(prefix, f), used, k)
		used[i] = false
		if !more {
			return false
		}
	}
	return true
}

// completeGreedy fills the remaining positions by repeatedly taking the
// unused filter with the lowest incremental cost, then scores the full
// ordering.
func (o *Optimizer) completeGreedy(prefix []*TableFilter, used []bool) {
	order := make([]*TableFilter, len(prefix), len(o.filters))
	copy(order, prefix)
	taken := make([]bool, len(used))
	copy(taken, used)

	rows := 1.0
	for _, f := range order {
		rows *= bestPlanItem(o.session, f).Cost
	}

	for len(order) < len(o.filters) {
		bestIdx := -1
		bestInc := 0.0
		for i, f := range o.filters {
			if taken[i] {
				continue
			}
			inc := incrementalCost(o.session, rows, f)
			if bestIdx < 0 || inc < bestInc {
				bestIdx, bestInc = i, inc
			}
		}
		taken[bestIdx] = true
		order = append(order, o.filters[bestIdx])
		rows *= bestPlanItem(o.session, o.filters[bestIdx]).Cost
	}
	o.testPlan(order)
}

// calculateGenetic refines the best ordering: every 128th iteration
// reseeds with a full shuffle, otherwise it swaps a position pair not
// tried since the last improvement. An improvement resets the tried set
// and becomes the new baseline.
func (o *Optimizer) calculateGenetic() {
	n := len(o.filters)
	baseline := make([]*TableFilter, len(o.bestPlan.Filters))
	copy(baseline, o.bestPlan.Filters)
	candidate := make([]*TableFilter, n)

	for i := 0; i < MaxGenetic; i++ {
		if o.canStop() {
			return
		}
		if i%128 == 0 {
			copy(candidate, baseline)
			o.rnd.Shuffle(n, func(a, b int) {
				candidate[a], candidate[b] = candidate[b], candidate[a]
			})
		} else {
			a, b, ok := o.pickSwap(n)
			if !ok {
				continue
			}
			copy(candidate, baseline)
			candidate[a], candidate[b] = candidate[b], candidate[a]
		}

		before := o.bestCost
		cost := o.testPlan(candidate)
		if cost < before {
			copy(baseline, candidate)
			o.switched = make(map[int]struct{})
		}
	}
}

// pickSwap returns a position pair not previously swapped since the last
// improvement.
func (o *Optimizer) pickSwap(n int) (int, int, bool) {
	for attempt := 0; attempt < n*n; attempt++ {
		a := o.rnd.Intn(n)
		b := o.rnd.Intn(n)
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		key := a*n + b
		if _, done := o.switched[key]; done {
			continue
		}
		o.switched[key] = struct{}{}
		return a, b, true
	}
	return 0, 0, false
}
