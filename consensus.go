// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.18
//

// Implements the sample consensus engine: subset sampling (uniform and
// quality ordered progressive), candidate scoring for the five methods,
// inlier classification, and the adaptive iteration bound.

package gorsl

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

//-------------------------------------------------------------------
// Method
//-------------------------------------------------------------------

// Method selects the robust sample consensus strategy.
type Method int

const (
	RANSAC  Method = iota // Random sampling, inlier count scoring
	LMEDS                 // Random sampling, least median of squares
	MSAC                  // Random sampling, truncated quadratic loss
	PROSAC                // Progressive quality ordered sampling, inlier count
	PROMEDS               // Progressive quality ordered sampling, median of squares
)

func (m Method) String() string {
	switch m {
	case RANSAC:
		return "RANSAC"
	case LMEDS:
		return "LMedS"
	case MSAC:
		return "MSAC"
	case PROSAC:
		return "PROSAC"
	case PROMEDS:
		return "PROMedS"
	default:
		return "UNKNOWN!"
	}
}

// NeedsThreshold reports whether the method scores candidates against a
// caller supplied inlier threshold.
func (m Method) NeedsThreshold() bool {
	return m == RANSAC || m == MSAC || m == PROSAC
}

// NeedsQuality reports whether the method requires per reading quality
// scores to order its sampling.
func (m Method) NeedsQuality() bool {
	return m == PROSAC || m == PROMEDS
}

// Consensus engine constants
const (
	DEF_CONFIDENCE     = 0.99 // Default probability that at least one subset is outlier free
	DEF_MAX_ITERATIONS = 5000 // Default iteration cap
	DEF_THRESHOLD      = 6.0  // Default inlier threshold [dB] (typical shadowing sigma)
	DEF_PROGRESS_DELTA = 0.05 // Default minimum progress change for a callback

	// Scale factor from median of squared residuals to a robust sigma
	// (1.4826 = 1/Phi^-1(0.75)), used by LMedS/PROMedS to derive the inlier
	// cutoff at 2.5 sigma.
	LMEDS_SIGMA_SCALE  = 1.4826
	LMEDS_INLIER_SIGMA = 2.5

	// Floor on the derived LMedS/PROMedS cutoff so that noise free data
	// still classifies numerically exact residuals as inliers.
	LMEDS_MIN_CUTOFF = 1e-6
)

//-------------------------------------------------------------------
// Engine
//-------------------------------------------------------------------

// consensusOpt carries the strategy configuration from the facade.
type consensusOpt struct {
	method        Method
	threshold     float64 // Inlier threshold (threshold methods only)
	confidence    float64 // Target confidence in (0,1)
	maxIter       int     // Hard iteration cap
	progressDelta float64 // Minimum progress change for onProgress
	seed          uint64  // Sampler seed (0: fixed default)
	quality       []float64
	onIteration   func(iter int)
	onProgress    func(progress float64)
}

// consensusResult is the best model found by the consensus loop together
// with its inlier classification.
type consensusResult struct {
	x        []float64 // Unknown vector of the best candidate
	inliers  []bool    // Inlier mask over all readings
	res      []float64 // Residuals of every reading against the best candidate
	nInliers int
	iters    int // Iterations actually run
}

// runConsensus drives the sample consensus loop over p: sample a minimal
// subset, solve it, score the candidate against every reading, and keep the
// best candidate while the adaptive bound allows further improvement. On
// equal score the earlier candidate wins, so runs are deterministic for a
// fixed seed.
func runConsensus(p FitProblem, opt *consensusOpt) (*consensusResult, error) {
	n := p.NumReadings()
	k := p.MinSubset()
	rng := rand.New(rand.NewSource(opt.seed))

	sampler := newSampler(opt.method, n, k, opt.quality, rng)

	var (
		best      *consensusResult
		bestScore float64
		solved    bool
		lastErr   error
		progress  float64
	)

	res := make([]float64, n)
	maxIter := opt.maxIter

	iter := 0
	for ; iter < maxIter; iter++ {

		if opt.onIteration != nil {
			opt.onIteration(iter)
		}
		if opt.onProgress != nil && maxIter > 0 {
			pr := float64(iter) / float64(maxIter)
			if pr-progress >= opt.progressDelta {
				progress = pr
				opt.onProgress(pr)
			}
		}

		subset := sampler.next()
		if !p.ValidSubset(subset) {
			PrintD(3, "\titer %d: degenerate subset %v\n", iter, subset)
			continue
		}

		x, err := SolveLM(p, p.InitGuess(), subset)
		if err != nil {
			lastErr = err
			PrintD(3, "\titer %d: subset solve failed: %v\n", iter, err)
			continue
		}
		solved = true

		for i := 0; i < n; i++ {
			res[i] = p.Residual(x, i)
		}
		score := scoreCandidate(opt.method, res, opt.threshold)

		if best == nil || scoreBetter(opt.method, score, bestScore) {
			inliers, nin := classifyInliers(opt.method, res, opt.threshold, k)
			best = &consensusResult{
				x:        x,
				inliers:  inliers,
				res:      append([]float64(nil), res...),
				nInliers: nin,
			}
			bestScore = score

			// Recompute the adaptive bound from the new inlier ratio
			w := float64(nin) / float64(n)
			maxIter = adaptiveIterations(w, opt.confidence, k, maxIter, opt.maxIter)
			PrintD(2, "\titer %d: %s score=%g, inliers=%d/%d, bound=%d\n",
				iter, opt.method, score, nin, n, maxIter)
		}
	}

	if best == nil {
		if !solved {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: no valid minimal subset: %v", ErrEstimation, lastErr)
			}
			return nil, fmt.Errorf("%w: no valid minimal subset", ErrEstimation)
		}
		return nil, fmt.Errorf("%w: iteration bound exhausted", ErrEstimation)
	}
	if best.nInliers < k {
		return nil, fmt.Errorf("%w: only %d inliers for subset size %d", ErrEstimation, best.nInliers, k)
	}

	best.iters = iter
	if opt.onProgress != nil && progress < 1 {
		opt.onProgress(1)
	}
	return best, nil
}

// adaptiveIterations returns the number of trials needed to pick at least
// one outlier free subset of size k with the requested confidence, given the
// current inlier ratio w. The bound never grows past the configured cap,
// never drops below 1, and is kept unchanged when w is 0.
func adaptiveIterations(w, confidence float64, k, current, cap_ int) int {
	if w <= 0 {
		return current
	}
	if w >= 1 {
		return 1
	}
	wk := math.Pow(w, float64(k))
	if wk >= 1 {
		return 1
	}
	it := math.Ceil(math.Log(1-confidence) / math.Log(1-wk))
	if it < 1 {
		return 1
	}
	if it > float64(cap_) {
		return cap_
	}
	return int(it)
}

//-------------------------------------------------------------------
// Scoring
//-------------------------------------------------------------------

// scoreCandidate scores a candidate's residuals under the given method:
// inlier count for RANSAC/PROSAC, median of squared residuals for
// LMedS/PROMedS, truncated quadratic loss for MSAC.
func scoreCandidate(m Method, res []float64, threshold float64) float64 {
	switch m {
	case RANSAC, PROSAC:
		c := 0
		for _, r := range res {
			if math.Abs(r) < threshold {
				c++
			}
		}
		return float64(c)
	case MSAC:
		t2 := SQ(threshold)
		s := 0.0
		for _, r := range res {
			s += math.Min(SQ(r), t2)
		}
		return s
	case LMEDS, PROMEDS:
		return medianSquared(res)
	}
	return math.Inf(1)
}

// scoreBetter reports whether score a strictly improves on b under the
// given method. Strict comparison keeps the first candidate on ties.
func scoreBetter(m Method, a, b float64) bool {
	switch m {
	case RANSAC, PROSAC:
		return a > b
	default:
		return a < b
	}
}

// classifyInliers builds the inlier mask for a candidate. Threshold methods
// compare each residual against the configured cutoff; the median based
// methods derive the cutoff from the robust sigma of the residuals.
func classifyInliers(m Method, res []float64, threshold float64, k int) ([]bool, int) {
	cut := threshold
	if !m.NeedsThreshold() {
		sigma := lmedsSigma(res, k)
		cut = LMEDS_INLIER_SIGMA * sigma
		if cut < LMEDS_MIN_CUTOFF {
			cut = LMEDS_MIN_CUTOFF
		}
	}
	mask := make([]bool, len(res))
	nin := 0
	for i, r := range res {
		if math.Abs(r) < cut {
			mask[i] = true
			nin++
		}
	}
	return mask, nin
}

// lmedsSigma estimates the robust standard deviation of the residuals from
// their median of squares, with the small sample correction of Rousseeuw
// and Leroy.
func lmedsSigma(res []float64, k int) float64 {
	n := len(res)
	corr := 1.0
	if n > k {
		corr = 1 + 5/float64(n-k)
	}
	return LMEDS_SIGMA_SCALE * corr * math.Sqrt(medianSquared(res))
}

// medianSquared returns the median of the squared residuals.
func medianSquared(res []float64) float64 {
	s := make([]float64, len(res))
	for i, r := range res {
		s[i] = SQ(r)
	}
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

//-------------------------------------------------------------------
// Samplers
//-------------------------------------------------------------------

// subsetSampler yields the next minimal subset to try.
type subsetSampler interface {
	next() []int
}

func newSampler(m Method, n, k int, quality []float64, rng *rand.Rand) subsetSampler {
	if m.NeedsQuality() {
		return &progressiveSampler{
			order: sortedByQuality(quality),
			k:     k,
			pool:  k,
			rng:   rng,
		}
	}
	return &uniformSampler{n: n, k: k, rng: rng}
}

// uniformSampler draws k distinct indices uniformly from all readings.
type uniformSampler struct {
	n, k int
	rng  *rand.Rand
}

func (s *uniformSampler) next() []int {
	return samplePrefix(s.rng, s.n, s.k)
}

// progressiveSampler implements the simplified PROSAC schedule: readings are
// ordered by descending quality, the sampling pool starts at the subset size
// and grows by one reading per iteration until it spans everything, and the
// newest pool member is always part of the subset.
type progressiveSampler struct {
	order []int // Reading indices by descending quality
	k     int
	pool  int // Current pool size
	rng   *rand.Rand
}

func (s *progressiveSampler) next() []int {
	n := len(s.order)
	if s.pool > n {
		// Pool exhausted, degrade to uniform sampling over everything
		idx := samplePrefix(s.rng, n, s.k)
		for i, v := range idx {
			idx[i] = s.order[v]
		}
		return idx
	}

	subset := make([]int, 0, s.k)
	subset = append(subset, s.order[s.pool-1])
	for _, v := range samplePrefix(s.rng, s.pool-1, s.k-1) {
		subset = append(subset, s.order[v])
	}
	s.pool++
	return subset
}

// samplePrefix draws k distinct indices from [0,n) by partial shuffle.
func samplePrefix(rng *rand.Rand, n, k int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}
