// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.28
//

package gorsl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calibReadings generates static readings with norm GRAVITY in well spread
// orientations, shifted by the given bias.
func calibReadings(bias [3]float64, n int) []*AccelReading {
	dirs := [][3]float64{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{-1, 0, 0}, {0, -1, 0}, {0, 0, -1},
		{1, 1, 0}, {1, 0, 1}, {0, 1, 1},
		{1, 1, 1}, {-1, 1, 0}, {1, -1, 1},
	}
	out := make([]*AccelReading, n)
	for i := range out {
		d := dirs[i%len(dirs)]
		nd := math.Sqrt(SQ(d[0]) + SQ(d[1]) + SQ(d[2]))
		out[i] = NewAccelReading(
			GRAVITY*d[0]/nd+bias[0],
			GRAVITY*d[1]/nd+bias[1],
			GRAVITY*d[2]/nd+bias[2],
		)
	}
	return out
}

type calibTestListener struct {
	starts, ends, progresses int
	onStart                  func(c *AccelCalibrator)
	onIter                   func(c *AccelCalibrator, iter int)
}

func (l *calibTestListener) OnCalibrateStart(c *AccelCalibrator) {
	l.starts++
	if l.onStart != nil {
		l.onStart(c)
	}
}

func (l *calibTestListener) OnCalibrateEnd(c *AccelCalibrator) { l.ends++ }

func (l *calibTestListener) OnCalibrateNextIteration(c *AccelCalibrator, iter int) {
	if l.onIter != nil {
		l.onIter(c, iter)
	}
}

func (l *calibTestListener) OnCalibrateProgressChange(c *AccelCalibrator, p float64) {
	l.progresses++
}

func TestGravityProblemResidual(t *testing.T) {
	bias := [3]float64{0.12, -0.25, 0.08}
	p := &gravityProblem{readings: calibReadings(bias, 6), gravity: GRAVITY}

	x := []float64{bias[0], bias[1], bias[2]}
	for i := 0; i < p.NumReadings(); i++ {
		assert.InDelta(t, 0, p.Residual(x, i), 1e-12, "reading %d", i)
	}
	// The zero bias guess sees the injected offset
	assert.Greater(t, math.Abs(p.Residual(make([]float64, 3), 0)), 1e-3)
}

func TestGravityProblemValidSubset(t *testing.T) {
	r := NewAccelReading(GRAVITY, 0, 0)
	p := &gravityProblem{
		readings: []*AccelReading{r, NewAccelReading(GRAVITY, 0, 0), NewAccelReading(0, GRAVITY, 0)},
		gravity:  GRAVITY,
	}
	assert.False(t, p.ValidSubset([]int{0, 1, 2}), "repeated orientation")
	assert.True(t, p.ValidSubset([]int{0, 2}))
}

func TestNewAccelCalibratorValidation(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*CalibOpt)
	}{
		{"zero gravity", func(o *CalibOpt) { o.Gravity = 0 }},
		{"negative threshold", func(o *CalibOpt) { o.Threshold = -1 }},
		{"confidence out of range", func(o *CalibOpt) { o.Confidence = 1 }},
		{"zero max iterations", func(o *CalibOpt) { o.MaxIterations = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opt := NewCalibOpt()
			opt.Readings = calibReadings([3]float64{}, 6)
			c.mod(opt)
			_, err := NewAccelCalibrator(opt)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadConfig)
		})
	}
}

func TestCalibrateNotReady(t *testing.T) {
	opt := NewCalibOpt()
	c, err := NewAccelCalibrator(opt)
	require.NoError(t, err)
	assert.False(t, c.IsReady())

	_, err = c.Calibrate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.SetReadings(calibReadings([3]float64{}, 4), nil))
	assert.True(t, c.IsReady())
}

func TestCalibrateZeroNoise(t *testing.T) {
	bias := [3]float64{0.15, -0.3, 0.07}
	opt := NewCalibOpt()
	opt.Readings = calibReadings(bias, 10)
	opt.Seed = 42

	c, err := NewAccelCalibrator(opt)
	require.NoError(t, err)
	sol, err := c.Calibrate()
	require.NoError(t, err)
	require.Same(t, sol, c.Sol())

	for k := 0; k < 3; k++ {
		assert.InDelta(t, bias[k], sol.Bias[k], 1e-5, "axis %d", k)
	}
	assert.True(t, sol.Refined)
	require.NotNil(t, sol.Inliers)
	for i, in := range sol.Inliers {
		assert.True(t, in, "reading %d", i)
	}
	require.Len(t, sol.Cov, 9)
	require.Len(t, sol.Vars, 3)
}

func TestCalibrateRejectsMotionOutliers(t *testing.T) {
	bias := [3]float64{-0.1, 0.2, 0.05}
	readings := calibReadings(bias, 12)

	// Readings taken while the device moved: norms far from one g
	nGood := len(readings)
	readings = append(readings,
		NewAccelReading(GRAVITY+4, 0.5, -0.3),
		NewAccelReading(1.2, GRAVITY-5, 2.0),
		NewAccelReading(3.0, -3.0, GRAVITY+6),
	)

	opt := NewCalibOpt()
	opt.Readings = readings
	opt.Seed = 7

	c, err := NewAccelCalibrator(opt)
	require.NoError(t, err)
	sol, err := c.Calibrate()
	require.NoError(t, err)

	for i, in := range sol.Inliers {
		assert.Equal(t, i < nGood, in, "reading %d", i)
	}
	for k := 0; k < 3; k++ {
		assert.InDelta(t, bias[k], sol.Bias[k], 1e-4, "axis %d", k)
	}
}

func TestCalibrateLockedDuringCallbacks(t *testing.T) {
	var startErr, iterErr error
	l := &calibTestListener{
		onStart: func(c *AccelCalibrator) { startErr = c.SetThreshold(1) },
		onIter:  func(c *AccelCalibrator, iter int) { iterErr = c.SetReadings(nil, nil) },
	}

	opt := NewCalibOpt()
	opt.Readings = calibReadings([3]float64{0.1, 0, 0}, 8)
	opt.Listener = l

	c, err := NewAccelCalibrator(opt)
	require.NoError(t, err)
	_, err = c.Calibrate()
	require.NoError(t, err)
	assert.False(t, c.IsRunning())

	assert.ErrorIs(t, startErr, ErrLocked)
	assert.ErrorIs(t, iterErr, ErrLocked)
	assert.Equal(t, 1, l.starts)
	assert.Equal(t, 1, l.ends)
	assert.Greater(t, l.progresses, 0)
}

func TestCalibrateKeepsPreviousResultOnFailure(t *testing.T) {
	opt := NewCalibOpt()
	opt.Readings = calibReadings([3]float64{0.2, -0.1, 0}, 8)

	c, err := NewAccelCalibrator(opt)
	require.NoError(t, err)
	sol, err := c.Calibrate()
	require.NoError(t, err)

	// Identical readings: every minimal subset is degenerate
	same := make([]*AccelReading, 6)
	for i := range same {
		same[i] = NewAccelReading(GRAVITY, 0, 0)
	}
	require.NoError(t, c.SetReadings(same, nil))
	require.NoError(t, c.SetMaxIterations(50))

	_, err = c.Calibrate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEstimation)
	assert.Same(t, sol, c.Sol())
}

func TestCalibrateLMedS(t *testing.T) {
	bias := [3]float64{0.05, 0.1, -0.15}
	readings := calibReadings(bias, 12)
	readings = append(readings, NewAccelReading(GRAVITY+5, 1, 1))

	opt := NewCalibOpt()
	opt.Readings = readings
	opt.Method = LMEDS
	opt.Seed = 3

	c, err := NewAccelCalibrator(opt)
	require.NoError(t, err)
	sol, err := c.Calibrate()
	require.NoError(t, err)

	for k := 0; k < 3; k++ {
		assert.InDelta(t, bias[k], sol.Bias[k], 1e-4, "axis %d", k)
	}
	assert.False(t, sol.Inliers[len(readings)-1])
}
