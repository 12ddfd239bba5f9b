// Package paramoracle picks near-optimal BCH sketch parameters (field
// width m, capacity t) for a target reconciliation success probability,
// by bounding the failure probability of the multi-round protocol with a
// balls-into-bins Markov chain. The chain matrices are expensive and
// pure in their inputs, so they are memoized in a two-tier
// (memory + disk) cache.
package paramoracle

import (
	"math"

	"go.uber.org/zap"
)

const (
	// MaxBalls caps the per-group ball count the chain models; heavier
	// groups are covered by the tail term.
	MaxBalls = 200
	// MinFieldSize and MaxFieldSize bound the BCH field width search.
	MinFieldSize = 6
	MaxFieldSize = 14
)

// Params is a BCH parameter pair: field width M (block length 2^M - 1)
// and error-correcting capacity T.
type Params struct {
	M int
	T int
}

// Cost is the search's objective proxy: bits per group sketch.
func (p Params) Cost() int { return p.M * p.T }

// Oracle evaluates failure bounds and searches for the cheapest Params
// meeting a success target. The matrix cache is an explicit dependency;
// a nil cache disables memoization.
type Oracle struct {
	cache *Cache
	log   *zap.Logger
}

func NewOracle(cache *Cache, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{cache: cache, log: log}
}

// MultiRoundMatrix returns the memoized multi-round probability matrix
// for (balls, bins, capacity, rounds).
func (o *Oracle) MultiRoundMatrix(balls, bins, capacity, rounds int) *Matrix {
	key := cacheKey{Balls: balls, Bins: bins, Capacity: capacity, Rounds: rounds}
	if o.cache != nil {
		if m, ok := o.cache.Get(key); ok {
			return m
		}
	}
	m := ComputeMultiRoundMatrix(balls, bins, capacity, rounds)
	if o.cache != nil {
		o.cache.Put(key, m)
	}
	return m
}

// FailureProbabilityBound bounds the probability that a group holding m
// balls is still unresolved after r recursive rounds over n sub-groups
// with capacity t. The times-two factor compensates for correlations
// across groups.
func FailureProbabilityBound(mr *Matrix, m, n, t, r int) float64 {
	probFail := 0.0
	probTail := 1.0
	for i := 0; i < t; i++ {
		p := binomPMF(i, m, 1.0/float64(n))
		probFail += p * mr.At(i+1, r)
		probTail -= p
	}
	probFail += probTail
	return 2.0 * (1.0 - math.Pow(1.0-probFail, float64(n)))
}

// FailureProbabilityUB upper-bounds the probability that reconciling d
// differences with block length n (bins), capacity t, r rounds and
// c-way splitting does not complete. Balls per group are binomial over
// g = d/delta groups; groups beyond capacity go through the split
// recursion bound.
func (o *Oracle) FailureProbabilityUB(d int, delta float64, n, r, t, c int) float64 {
	g := float64(d) / delta
	if g < 1 {
		g = 1
	}
	balls := MaxBalls
	if n-1 < balls {
		balls = n - 1
	}
	mr := o.MultiRoundMatrix(balls, n, t, r)

	probFail := 0.0
	probTail := 1.0
	for i := 0; i < t; i++ {
		p := binomPMF(i, d, 1.0/g)
		probFail += p * mr.At(i+1, r)
		probTail -= p
	}
	for i := t; i < balls; i++ {
		p := binomPMF(i, d, 1.0/g)
		probFail += p * FailureProbabilityBound(mr, i, c, t, r-1)
		probTail -= p
	}
	probFail += probTail
	return 2.0 * (1.0 - math.Pow(1.0-probFail, g))
}

// BestParams searches m in [MinFieldSize, MaxFieldSize], binary-searching
// the smallest capacity meeting the target within each field, and keeps
// the pair minimizing m*t. The returned residual is the failure bound of
// the winner. If no pair in range meets the target, the pair with the
// smallest residual is returned and the caller decides whether to
// proceed; later protocol rounds usually compensate.
func (o *Oracle) BestParams(d int, delta float64, r, c int, targetProb float64) (Params, float64) {
	best := Params{}
	bestCost := math.MaxInt
	residual := -1.0

	fallback := Params{}
	fallbackResidual := math.MaxFloat64

	for m := MinFieldSize; m <= MaxFieldSize; m++ {
		n := 1<<uint(m) - 1
		tMin := m
		tMax := MaxBalls
		if v := n - 2; v < tMax {
			tMax = v
		}
		if v := int(math.Ceil(5 * delta)); v < tMax {
			tMax = v
		}
		if tMax < tMin {
			continue
		}

		ubMin := o.FailureProbabilityUB(d, delta, n, r, tMin, c)
		ubMax := o.FailureProbabilityUB(d, delta, n, r, tMax, c)
		if ubMax < fallbackResidual {
			fallback = Params{M: m, T: tMax}
			fallbackResidual = ubMax
		}

		switch {
		case 1-ubMin >= targetProb:
			if cost := tMin * m; cost < bestCost {
				bestCost = cost
				best = Params{M: m, T: tMin}
				residual = ubMin
			}
		case 1-ubMax >= targetProb:
			lo, hi := tMin, tMax
			for hi-lo > 1 {
				mid := lo + (hi-lo)/2
				if 1-o.FailureProbabilityUB(d, delta, n, r, mid, c) >= targetProb {
					hi = mid
				} else {
					lo = mid
				}
			}
			t, ub := hi, o.FailureProbabilityUB(d, delta, n, r, hi, c)
			if loUB := o.FailureProbabilityUB(d, delta, n, r, lo, c); 1-loUB >= targetProb {
				t, ub = lo, loUB
			}
			if cost := t * m; cost < bestCost {
				bestCost = cost
				best = Params{M: m, T: t}
				residual = ub
			}
		}
	}

	if residual < 0 {
		o.log.Warn("no BCH parameters meet the success target; proceeding with best effort",
			zap.Int("d", d),
			zap.Float64("target", targetProb),
			zap.Float64("residual", fallbackResidual),
			zap.Int("m", fallback.M),
			zap.Int("t", fallback.T))
		return fallback, fallbackResidual
	}
	return best, residual
}

// binomPMF is the binomial probability mass function, evaluated in log
// space to stay stable for large n.
func binomPMF(k, n int, p float64) float64 {
	if k < 0 || k > n || n < 0 {
		return 0
	}
	if p <= 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	if p >= 1 {
		if k == n {
			return 1
		}
		return 0
	}
	lgN, _ := math.Lgamma(float64(n + 1))
	lgK, _ := math.Lgamma(float64(k + 1))
	lgNK, _ := math.Lgamma(float64(n - k + 1))
	logv := lgN - lgK - lgNK +
		float64(k)*math.Log(p) + float64(n-k)*math.Log1p(-p)
	return math.Exp(logv)
}
