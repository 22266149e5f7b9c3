// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.24
//

// Implements accelerometer bias calibration against the known gravity norm,
// reusing the robust consensus engine: each static reading should measure a
// specific force of exactly one g once the bias is removed, and readings
// taken while the device moved are the outliers.

package gorsl

import (
	"fmt"
	"math"
)

// AccelReading is one 3-axis specific force sample [m/s^2] captured while
// the device was meant to be static. Std is the per axis standard deviation
// (0: unknown).
type AccelReading struct {
	Ax, Ay, Az float64
	Std        float64
}

func NewAccelReading(ax, ay, az float64) *AccelReading {
	return &AccelReading{Ax: ax, Ay: ay, Az: az}
}

// Norm returns the Euclidean norm of the reading.
func (r *AccelReading) Norm() float64 {
	return math.Sqrt(SQ(r.Ax) + SQ(r.Ay) + SQ(r.Az))
}

// Calibration defaults
const (
	DEF_CALIB_THRESHOLD = 0.5 // Default inlier threshold on the norm residual [m/s^2]
	CALIB_MIN_SUBSET    = 3   // Bias has three unknowns, one equation per reading
)

//-------------------------------------------------------------------
// gravityProblem
//-------------------------------------------------------------------

// gravityProblem fits the 3-vector accelerometer bias b so that the norm of
// every bias corrected static reading matches the reference gravity norm:
//
//	residual_i = |a_i - b| - g
//
// The Jacobian uses the central finite difference fallback; the norm
// residual has no per unknown closed form worth special casing.
type gravityProblem struct {
	readings []*AccelReading
	gravity  float64
}

func (p *gravityProblem) NumReadings() int     { return len(p.readings) }
func (p *gravityProblem) NumUnknowns() int     { return 3 }
func (p *gravityProblem) MinSubset() int       { return CALIB_MIN_SUBSET }
func (p *gravityProblem) InitGuess() []float64 { return make([]float64, 3) }

func (p *gravityProblem) Residual(x []float64, i int) float64 {
	r := p.readings[i]
	n := math.Sqrt(SQ(r.Ax-x[0]) + SQ(r.Ay-x[1]) + SQ(r.Az-x[2]))
	return n - p.gravity
}

func (p *gravityProblem) JacobianRow(x []float64, i int, row []float64) {
	numericalJacobianRow(p, x, i, row)
}

// ValidSubset rejects subsets containing near identical readings; repeated
// samples of the same orientation leave the bias unobservable.
func (p *gravityProblem) ValidSubset(idx []int) bool {
	const eps = 1e-6
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			ra, rb := p.readings[idx[a]], p.readings[idx[b]]
			d := math.Sqrt(SQ(ra.Ax-rb.Ax) + SQ(ra.Ay-rb.Ay) + SQ(ra.Az-rb.Az))
			if d < eps {
				return false
			}
		}
	}
	return true
}

func (p *gravityProblem) Weight(i int) float64 {
	if s := p.readings[i].Std; s > 0 {
		return 1 / SQ(s)
	}
	return 1
}

//-------------------------------------------------------------------
// AccelCalibrator
//-------------------------------------------------------------------

// CalibListener receives calibration lifecycle callbacks, synchronously and
// under the same reentrancy guard as the RSSI estimator.
type CalibListener interface {
	OnCalibrateStart(c *AccelCalibrator)
	OnCalibrateEnd(c *AccelCalibrator)
	OnCalibrateNextIteration(c *AccelCalibrator, iter int)
	OnCalibrateProgressChange(c *AccelCalibrator, progress float64)
}

// CalibOpt configures an AccelCalibrator.
type CalibOpt struct {
	Readings []*AccelReading
	Quality  []float64 // Per reading quality scores (PROSAC/PROMedS only)
	Method   Method
	Gravity  float64 // Reference gravity norm [m/s^2]

	Threshold     float64 // Inlier threshold on the norm residual [m/s^2]
	Confidence    float64
	MaxIterations int
	ProgressDelta float64

	ResultRefined  bool
	KeepInliers    bool
	KeepResiduals  bool
	KeepCovariance bool

	Seed     uint64
	Listener CalibListener
}

// NewCalibOpt returns calibration options with the package defaults.
func NewCalibOpt() *CalibOpt {
	return &CalibOpt{
		Method:         RANSAC,
		Gravity:        GRAVITY,
		Threshold:      DEF_CALIB_THRESHOLD,
		Confidence:     DEF_CONFIDENCE,
		MaxIterations:  DEF_MAX_ITERATIONS,
		ProgressDelta:  DEF_PROGRESS_DELTA,
		ResultRefined:  true,
		KeepInliers:    true,
		KeepCovariance: true,
	}
}

// CalibSol contains an estimated accelerometer bias and its uncertainty.
type CalibSol struct {
	Bias    [3]float64 // Estimated bias [m/s^2]
	Cov     []float64  // Row major 3x3 covariance (nil when absent)
	Vars    []float64  // Per axis variance
	Inliers []bool
	Res     []float64
	NumIter int
	Refined bool
}

// AccelCalibrator estimates accelerometer bias from outlier contaminated
// static readings. Same state machine and engine as RssiEstimator.
type AccelCalibrator struct {
	opt     CalibOpt
	running bool
	sol     *CalibSol
}

// NewAccelCalibrator validates opt and builds a calibrator.
func NewAccelCalibrator(opt *CalibOpt) (*AccelCalibrator, error) {
	c := &AccelCalibrator{opt: *opt}
	if c.opt.Gravity <= 0 {
		return nil, fmt.Errorf("%w: gravity norm must be positive", ErrBadConfig)
	}
	if c.opt.Threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive, got %g", ErrBadConfig, c.opt.Threshold)
	}
	if c.opt.Confidence <= 0 || c.opt.Confidence >= 1 {
		return nil, fmt.Errorf("%w: confidence must be in (0,1), got %g", ErrBadConfig, c.opt.Confidence)
	}
	if c.opt.MaxIterations < 1 {
		return nil, fmt.Errorf("%w: max iterations must be >= 1, got %d", ErrBadConfig, c.opt.MaxIterations)
	}
	if c.opt.ProgressDelta < 0 || c.opt.ProgressDelta > 1 {
		return nil, fmt.Errorf("%w: progress delta must be in [0,1], got %g", ErrBadConfig, c.opt.ProgressDelta)
	}
	if c.opt.Readings != nil {
		if err := c.setReadings(c.opt.Readings, c.opt.Quality); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *AccelCalibrator) setReadings(readings []*AccelReading, quality []float64) error {
	for i, r := range readings {
		if r == nil {
			return fmt.Errorf("%w: reading %d is nil", ErrBadConfig, i)
		}
		if r.Std < 0 {
			return fmt.Errorf("%w: reading %d has negative std", ErrBadConfig, i)
		}
	}
	if c.opt.Method.NeedsQuality() || quality != nil {
		if err := checkQualityScores(quality, len(readings)); err != nil {
			return err
		}
	}
	if c.opt.Method.NeedsQuality() && len(readings) < CALIB_MIN_SUBSET {
		return fmt.Errorf("%w: %d readings, need at least %d", ErrBadConfig, len(readings), CALIB_MIN_SUBSET)
	}
	c.opt.Readings = readings
	c.opt.Quality = quality
	return nil
}

func (c *AccelCalibrator) guard() error {
	if c.running {
		return fmt.Errorf("%w: calibration in progress", ErrLocked)
	}
	return nil
}

// SetReadings replaces the reading set (and quality scores when the method
// requires them).
func (c *AccelCalibrator) SetReadings(readings []*AccelReading, quality []float64) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.setReadings(readings, quality)
}

func (c *AccelCalibrator) SetThreshold(t float64) error {
	if err := c.guard(); err != nil {
		return err
	}
	if t <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %g", ErrBadConfig, t)
	}
	c.opt.Threshold = t
	return nil
}

func (c *AccelCalibrator) SetConfidence(conf float64) error {
	if err := c.guard(); err != nil {
		return err
	}
	if conf <= 0 || conf >= 1 {
		return fmt.Errorf("%w: confidence must be in (0,1), got %g", ErrBadConfig, conf)
	}
	c.opt.Confidence = conf
	return nil
}

func (c *AccelCalibrator) SetMaxIterations(n int) error {
	if err := c.guard(); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: max iterations must be >= 1, got %d", ErrBadConfig, n)
	}
	c.opt.MaxIterations = n
	return nil
}

func (c *AccelCalibrator) SetMethod(m Method) error {
	if err := c.guard(); err != nil {
		return err
	}
	if m < RANSAC || m > PROMEDS {
		return fmt.Errorf("%w: unknown method %d", ErrBadConfig, m)
	}
	if m.NeedsQuality() && c.opt.Readings != nil {
		if err := checkQualityScores(c.opt.Quality, len(c.opt.Readings)); err != nil {
			return err
		}
	}
	c.opt.Method = m
	return nil
}

func (c *AccelCalibrator) SetListener(l CalibListener) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.opt.Listener = l
	return nil
}

func (c *AccelCalibrator) Method() Method  { return c.opt.Method }
func (c *AccelCalibrator) IsRunning() bool { return c.running }

// Sol returns the result of the last successful calibration, or nil.
func (c *AccelCalibrator) Sol() *CalibSol { return c.sol }

// IsReady reports whether Calibrate() has everything it needs.
func (c *AccelCalibrator) IsReady() bool {
	if len(c.opt.Readings) < CALIB_MIN_SUBSET {
		return false
	}
	if c.opt.Method.NeedsQuality() && len(c.opt.Quality) != len(c.opt.Readings) {
		return false
	}
	return true
}

// Calibrate runs the consensus engine over the gravity norm problem. Same
// contract as RssiEstimator.Estimate: atomic result replacement on success,
// previous result kept on failure, guaranteed return to Idle.
func (c *AccelCalibrator) Calibrate() (*CalibSol, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if !c.IsReady() {
		return nil, fmt.Errorf("%w: have %d readings, need %d", ErrNotReady, len(c.opt.Readings), CALIB_MIN_SUBSET)
	}

	c.running = true
	defer func() { c.running = false }()

	if c.opt.Listener != nil {
		c.opt.Listener.OnCalibrateStart(c)
	}

	prob := &gravityProblem{readings: c.opt.Readings, gravity: c.opt.Gravity}
	opt := &consensusOpt{
		method:        c.opt.Method,
		threshold:     c.opt.Threshold,
		confidence:    c.opt.Confidence,
		maxIter:       c.opt.MaxIterations,
		progressDelta: c.opt.ProgressDelta,
		seed:          c.opt.Seed,
		quality:       c.opt.Quality,
	}
	if l := c.opt.Listener; l != nil {
		opt.onIteration = func(iter int) { l.OnCalibrateNextIteration(c, iter) }
		opt.onProgress = func(p float64) { l.OnCalibrateProgressChange(c, p) }
	}

	fit, err := estimateRobust(prob, opt, c.opt.ResultRefined, c.opt.KeepCovariance)
	if err != nil {
		return nil, err
	}

	sol := &CalibSol{
		Bias:    [3]float64{fit.x[0], fit.x[1], fit.x[2]},
		Vars:    fit.vars,
		NumIter: fit.iters,
		Refined: fit.refined,
	}
	if fit.cov != nil {
		sol.Cov = make([]float64, 9)
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				sol.Cov[j*3+k] = fit.cov.At(j, k)
			}
		}
	}
	if c.opt.KeepInliers {
		sol.Inliers = fit.inliers
	}
	if c.opt.KeepResiduals {
		sol.Res = fit.res
	}

	c.sol = sol
	if c.opt.Listener != nil {
		c.opt.Listener.OnCalibrateEnd(c)
	}
	return sol, nil
}
