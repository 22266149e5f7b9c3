// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.26
//

package gorsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestMethodProperties(t *testing.T) {
	assert.True(t, RANSAC.NeedsThreshold())
	assert.True(t, MSAC.NeedsThreshold())
	assert.True(t, PROSAC.NeedsThreshold())
	assert.False(t, LMEDS.NeedsThreshold())
	assert.False(t, PROMEDS.NeedsThreshold())

	assert.True(t, PROSAC.NeedsQuality())
	assert.True(t, PROMEDS.NeedsQuality())
	assert.False(t, RANSAC.NeedsQuality())
	assert.False(t, LMEDS.NeedsQuality())
	assert.False(t, MSAC.NeedsQuality())

	assert.Equal(t, "RANSAC", RANSAC.String())
	assert.Equal(t, "PROMedS", PROMEDS.String())
}

func TestAdaptiveIterations(t *testing.T) {
	t.Run("textbook value", func(t *testing.T) {
		// w=0.5, k=2: ceil(log(0.01)/log(1-0.25)) = ceil(16.007...) = 17
		assert.Equal(t, 17, adaptiveIterations(0.5, 0.99, 2, 5000, 5000))
	})

	t.Run("never below one", func(t *testing.T) {
		assert.Equal(t, 1, adaptiveIterations(0.9999, 0.5, 2, 5000, 5000))
		assert.Equal(t, 1, adaptiveIterations(1.0, 0.99, 3, 5000, 5000))
	})

	t.Run("capped at configured max", func(t *testing.T) {
		assert.Equal(t, 100, adaptiveIterations(0.05, 0.99, 5, 100, 100))
	})

	t.Run("zero ratio keeps previous bound", func(t *testing.T) {
		assert.Equal(t, 321, adaptiveIterations(0, 0.99, 3, 321, 5000))
	})
}

func TestScoreCandidate(t *testing.T) {
	res := []float64{0.1, -0.2, 3.0, -8.0, 0.05}

	t.Run("ransac counts inliers", func(t *testing.T) {
		assert.Equal(t, 3.0, scoreCandidate(RANSAC, res, 1.0))
		assert.Equal(t, 4.0, scoreCandidate(PROSAC, res, 5.0))
	})

	t.Run("msac truncates", func(t *testing.T) {
		want := SQ(0.1) + SQ(0.2) + 1 + 1 + SQ(0.05)
		assert.InDelta(t, want, scoreCandidate(MSAC, res, 1.0), 1e-12)
	})

	t.Run("lmeds takes median of squares", func(t *testing.T) {
		got := scoreCandidate(LMEDS, res, 0)
		assert.InDelta(t, SQ(0.2), got, 1e-12)
	})
}

func TestScoreBetterStrict(t *testing.T) {
	// Equal scores never improve, so the first candidate wins ties
	assert.False(t, scoreBetter(RANSAC, 5, 5))
	assert.False(t, scoreBetter(MSAC, 1.5, 1.5))
	assert.True(t, scoreBetter(RANSAC, 6, 5))
	assert.True(t, scoreBetter(LMEDS, 1.0, 1.5))
}

func TestClassifyInliersThreshold(t *testing.T) {
	res := []float64{0.5, -2.0, 0.9, 10}
	mask, nin := classifyInliers(RANSAC, res, 1.0, 2)
	assert.Equal(t, []bool{true, false, true, false}, mask)
	assert.Equal(t, 2, nin)
}

func TestClassifyInliersMedianNoiseFree(t *testing.T) {
	// Exact residuals must classify as inliers despite a zero robust sigma
	res := []float64{1e-12, -1e-13, 0, 1e-12, 5.0}
	mask, nin := classifyInliers(LMEDS, res, 0, 2)
	assert.Equal(t, 4, nin)
	assert.False(t, mask[4])
}

func TestUniformSampler(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := &uniformSampler{n: 10, k: 4, rng: rng}
	for trial := 0; trial < 50; trial++ {
		idx := s.next()
		require.Len(t, idx, 4)
		seen := map[int]bool{}
		for _, v := range idx {
			assert.GreaterOrEqual(t, v, 0)
			assert.Less(t, v, 10)
			assert.False(t, seen[v], "duplicate index in subset")
			seen[v] = true
		}
	}
}

func TestProgressiveSamplerGrowsPool(t *testing.T) {
	quality := []float64{0.1, 0.9, 0.5, 0.8, 0.3}
	order := sortedByQuality(quality)
	assert.Equal(t, []int{1, 3, 2, 4, 0}, order)

	rng := rand.New(rand.NewSource(1))
	s := newSampler(PROSAC, 5, 2, quality, rng).(*progressiveSampler)

	// First subset is drawn from the top-2 pool with the newest member
	first := s.next()
	require.Len(t, first, 2)
	assert.Contains(t, first, 3) // Newest pool member (2nd best quality)
	assert.Contains(t, first, 1) // Only other pool member

	// Second subset always contains the next best reading
	second := s.next()
	assert.Contains(t, second, 2)

	// Pool exhaustion degrades to uniform over everything
	s.next()
	s.next()
	for trial := 0; trial < 20; trial++ {
		idx := s.next()
		require.Len(t, idx, 2)
		assert.NotEqual(t, idx[0], idx[1])
	}
}

func TestRunConsensusZeroNoiseAllMethods(t *testing.T) {
	src := NewPoint2D(5, -3)
	const power, exp = 18.0, 2.2
	pos := gridPositions2D(12, 20)
	readings := synthReadings(pos, src, DEF_FREQ, power, exp)

	quality := make([]float64, len(readings))
	for i := range quality {
		quality[i] = 1 / (1 + src.Dist(readings[i].Pos)) // Closer is better
	}

	for _, method := range []Method{RANSAC, LMEDS, MSAC, PROSAC, PROMEDS} {
		t.Run(method.String(), func(t *testing.T) {
			p := &rssiProblem{
				readings: readings,
				freq:     DEF_FREQ,
				dims:     2,
				unk:      UnknownPosition | UnknownPower | UnknownExponent,
				fixPos:   NewPoint2D(0, 0),
				fixPower: DEF_TXPOWER,
				fixExp:   DEF_EXPONENT,
			}
			opt := &consensusOpt{
				method:        method,
				threshold:     DEF_THRESHOLD,
				confidence:    DEF_CONFIDENCE,
				maxIter:       DEF_MAX_ITERATIONS,
				progressDelta: DEF_PROGRESS_DELTA,
				seed:          42,
				quality:       quality,
			}
			best, err := runConsensus(p, opt)
			require.NoError(t, err)

			sol := p.solution(best.x)
			assert.InDelta(t, src[0], sol.Pos[0], 1e-3)
			assert.InDelta(t, src[1], sol.Pos[1], 1e-3)
			assert.InDelta(t, power, sol.Power, 1e-3)
			assert.InDelta(t, exp, sol.Exponent, 1e-3)
			assert.Equal(t, len(readings), best.nInliers)
		})
	}
}

func TestRunConsensusRejectsOutliers(t *testing.T) {
	src := NewPoint2D(2, 9)
	const power, exp = 15.0, 2.0
	pos := gridPositions2D(20, 25)
	readings := synthReadings(pos, src, DEF_FREQ, power, exp)

	// Corrupt 25% of the readings with gross errors
	rng := rand.New(rand.NewSource(3))
	outliers := map[int]bool{}
	for len(outliers) < 5 {
		i := rng.Intn(len(readings))
		if !outliers[i] {
			outliers[i] = true
			readings[i].Rssi += 40 + rng.Float64()*20
		}
	}

	p := &rssiProblem{
		readings: readings,
		freq:     DEF_FREQ,
		dims:     2,
		unk:      UnknownPosition | UnknownPower,
		fixPos:   NewPoint2D(0, 0),
		fixPower: DEF_TXPOWER,
		fixExp:   exp,
	}
	opt := &consensusOpt{
		method:        MSAC,
		threshold:     DEF_THRESHOLD,
		confidence:    DEF_CONFIDENCE,
		maxIter:       DEF_MAX_ITERATIONS,
		progressDelta: DEF_PROGRESS_DELTA,
		seed:          11,
	}
	best, err := runConsensus(p, opt)
	require.NoError(t, err)

	// The inlier mask recovers the uncorrupted readings
	assert.Equal(t, 15, best.nInliers)
	for i, in := range best.inliers {
		assert.Equal(t, !outliers[i], in, "reading %d", i)
	}

	sol := p.solution(best.x)
	assert.InDelta(t, src[0], sol.Pos[0], 0.1)
	assert.InDelta(t, src[1], sol.Pos[1], 0.1)
	assert.InDelta(t, power, sol.Power, 0.1)
}

func TestRunConsensusAllDegenerate(t *testing.T) {
	// Every reading at the same position: no subset is valid
	readings := make([]*RssiReading, 6)
	for i := range readings {
		readings[i] = NewRssiReading(NewPoint2D(1, 1), -40)
	}
	p := &rssiProblem{
		readings: readings,
		freq:     DEF_FREQ,
		dims:     2,
		unk:      UnknownPosition,
		fixPos:   NewPoint2D(0, 0),
		fixPower: DEF_TXPOWER,
		fixExp:   DEF_EXPONENT,
	}
	opt := &consensusOpt{
		method:        RANSAC,
		threshold:     DEF_THRESHOLD,
		confidence:    DEF_CONFIDENCE,
		maxIter:       50,
		progressDelta: DEF_PROGRESS_DELTA,
	}
	_, err := runConsensus(p, opt)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEstimation)
}

func TestMedianSquared(t *testing.T) {
	assert.InDelta(t, 4.0, medianSquared([]float64{1, -2, 3}), 1e-12)
	// Empirical quantile takes the lower element on even counts
	assert.InDelta(t, 1.0, medianSquared([]float64{1, -2}), 1e-12)
}
