// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.20
//

// Implements the robust RSSI radio source estimator facade: configuration,
// the Idle/Running state machine with its reentrancy guard, listener
// callbacks, and the consensus plus refinement pipeline.

package gorsl

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RssiListener receives estimation lifecycle callbacks. All callbacks fire
// synchronously on the calling goroutine while the estimator is locked;
// configuration mutations attempted from inside them fail with ErrLocked.
type RssiListener interface {
	OnEstimateStart(e *RssiEstimator)
	OnEstimateEnd(e *RssiEstimator)
	OnEstimateNextIteration(e *RssiEstimator, iter int)
	OnEstimateProgressChange(e *RssiEstimator, progress float64)
}

// RssiOpt configures an RssiEstimator. The zero value is not usable; start
// from NewRssiOpt.
type RssiOpt struct {
	Readings  []*RssiReading // RSSI observations at known receiver positions
	Quality   []float64      // Per reading quality scores (PROSAC/PROMedS only)
	Method    Method         // Consensus strategy
	Unknowns  Unknowns       // Parameters to estimate
	Freq      float64        // Emitter frequency [Hz]
	InitPos   Point          // Initial/fixed position (nil: origin)
	InitPower float64        // Initial/fixed transmitted power [dBm]
	InitExp   float64        // Initial/fixed path loss exponent

	Threshold     float64 // Inlier threshold [dB] (threshold methods)
	Confidence    float64 // Target confidence in (0,1)
	MaxIterations int     // Consensus iteration cap
	ProgressDelta float64 // Minimum progress change for a callback, in [0,1]

	ResultRefined  bool // Re-solve over the winning inlier set
	KeepInliers    bool // Retain the inlier mask on the solution
	KeepResiduals  bool // Retain per reading residuals on the solution
	KeepCovariance bool // Compute parameter covariance (needs ResultRefined)

	Seed     uint64 // Sampler seed for reproducible runs
	Listener RssiListener
}

// NewRssiOpt returns options with the package defaults: estimate all three
// parameter groups with RANSAC at 99% confidence, refinement enabled.
func NewRssiOpt() *RssiOpt {
	return &RssiOpt{
		Method:         RANSAC,
		Unknowns:       UnknownPosition | UnknownPower | UnknownExponent,
		Freq:           DEF_FREQ,
		InitPower:      DEF_TXPOWER,
		InitExp:        DEF_EXPONENT,
		Threshold:      DEF_THRESHOLD,
		Confidence:     DEF_CONFIDENCE,
		MaxIterations:  DEF_MAX_ITERATIONS,
		ProgressDelta:  DEF_PROGRESS_DELTA,
		ResultRefined:  true,
		KeepInliers:    true,
		KeepResiduals:  false,
		KeepCovariance: true,
	}
}

// RssiSol contains the result of a robust RSSI estimation: the emitter
// parameters, their uncertainty when requested, and the inlier
// classification of the winning model.
type RssiSol struct {
	Pos      Point         // Estimated (or fixed) emitter position
	Power    float64       // Estimated (or fixed) transmitted power [dBm]
	Exponent float64       // Estimated (or fixed) path loss exponent
	Cov      *mat.SymDense // Parameter covariance (nil when absent)
	Vars     []float64     // Per parameter variance (diagonal of Cov)
	Inliers  []bool        // Inlier mask over the readings (nil unless kept)
	Res      []float64     // Residuals against the final model (nil unless kept)
	NumIter  int           // Consensus iterations run
	Refined  bool          // Whether the refinement stage produced the model
}

//-------------------------------------------------------------------
// RssiEstimator
//-------------------------------------------------------------------

// RssiEstimator estimates radio emitter parameters from outlier
// contaminated RSSI readings. It is single threaded: Estimate() blocks, and
// the Idle/Running state only guards against reentrant mutation from
// listener callbacks, not against concurrent use.
type RssiEstimator struct {
	opt     RssiOpt
	dims    int
	running bool
	sol     *RssiSol
}

// NewRssiEstimator validates opt and builds an estimator. Readings may be
// supplied later through SetReadings; Estimate() fails with ErrNotReady
// until enough are present.
func NewRssiEstimator(opt *RssiOpt) (*RssiEstimator, error) {
	e := &RssiEstimator{opt: *opt}
	if opt.InitPos != nil {
		e.opt.InitPos = opt.InitPos.Clone()
	}

	if err := checkConsensusConfig(&e.opt); err != nil {
		return nil, err
	}
	if e.opt.Unknowns.Count(3) == 0 {
		return nil, fmt.Errorf("%w: no unknowns enabled", ErrBadConfig)
	}
	if e.opt.Freq <= 0 {
		return nil, fmt.Errorf("%w: frequency must be positive", ErrBadConfig)
	}
	if e.opt.Readings != nil {
		if err := e.setReadings(e.opt.Readings, e.opt.Quality); err != nil {
			return nil, err
		}
	} else if e.opt.Quality != nil {
		return nil, fmt.Errorf("%w: quality scores without readings", ErrBadConfig)
	}
	return e, nil
}

// checkConsensusConfig validates the numeric strategy configuration.
func checkConsensusConfig(opt *RssiOpt) error {
	if opt.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %g", ErrBadConfig, opt.Threshold)
	}
	if opt.Confidence <= 0 || opt.Confidence >= 1 {
		return fmt.Errorf("%w: confidence must be in (0,1), got %g", ErrBadConfig, opt.Confidence)
	}
	if opt.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be >= 1, got %d", ErrBadConfig, opt.MaxIterations)
	}
	if opt.ProgressDelta < 0 || opt.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta must be in [0,1], got %g", ErrBadConfig, opt.ProgressDelta)
	}
	return nil
}

func (e *RssiEstimator) setReadings(readings []*RssiReading, quality []float64) error {
	dims, err := checkReadings(readings)
	if err != nil {
		return err
	}
	if e.opt.InitPos != nil && e.opt.InitPos.Dims() != dims {
		return fmt.Errorf("%w: initial position has %d dims, readings have %d", ErrBadConfig, e.opt.InitPos.Dims(), dims)
	}
	if e.opt.Method.NeedsQuality() || quality != nil {
		if err := checkQualityScores(quality, len(readings)); err != nil {
			return err
		}
	}
	if e.opt.Method.NeedsQuality() {
		min := e.opt.Unknowns.MinReadings(dims)
		if len(readings) < min {
			return fmt.Errorf("%w: %d readings, need at least %d", ErrBadConfig, len(readings), min)
		}
	}
	e.opt.Readings = readings
	e.opt.Quality = quality
	e.dims = dims
	return nil
}

//-------------------------------------------------------------------
// Configuration surface
//-------------------------------------------------------------------

// guard rejects configuration mutation while an estimate is in progress.
func (e *RssiEstimator) guard() error {
	if e.running {
		return fmt.Errorf("%w: estimate in progress", ErrLocked)
	}
	return nil
}

// SetReadings replaces the reading set (and quality scores, which are
// required when the method is PROSAC or PROMedS).
func (e *RssiEstimator) SetReadings(readings []*RssiReading, quality []float64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.setReadings(readings, quality)
}

func (e *RssiEstimator) SetMethod(m Method) error {
	if err := e.guard(); err != nil {
		return err
	}
	if m < RANSAC || m > PROMEDS {
		return fmt.Errorf("%w: unknown method %d", ErrBadConfig, m)
	}
	if m.NeedsQuality() && e.opt.Readings != nil {
		if err := checkQualityScores(e.opt.Quality, len(e.opt.Readings)); err != nil {
			return err
		}
	}
	e.opt.Method = m
	return nil
}

func (e *RssiEstimator) SetUnknowns(u Unknowns) error {
	if err := e.guard(); err != nil {
		return err
	}
	if u.Count(3) == 0 {
		return fmt.Errorf("%w: no unknowns enabled", ErrBadConfig)
	}
	e.opt.Unknowns = u
	return nil
}

func (e *RssiEstimator) SetThreshold(t float64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if t <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %g", ErrBadConfig, t)
	}
	e.opt.Threshold = t
	return nil
}

func (e *RssiEstimator) SetConfidence(c float64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if c <= 0 || c >= 1 {
		return fmt.Errorf("%w: confidence must be in (0,1), got %g", ErrBadConfig, c)
	}
	e.opt.Confidence = c
	return nil
}

func (e *RssiEstimator) SetMaxIterations(n int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: max iterations must be >= 1, got %d", ErrBadConfig, n)
	}
	e.opt.MaxIterations = n
	return nil
}

func (e *RssiEstimator) SetProgressDelta(d float64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if d < 0 || d > 1 {
		return fmt.Errorf("%w: progress delta must be in [0,1], got %g", ErrBadConfig, d)
	}
	e.opt.ProgressDelta = d
	return nil
}

func (e *RssiEstimator) SetInitialPosition(p Point) error {
	if err := e.guard(); err != nil {
		return err
	}
	if p != nil && e.dims != 0 && p.Dims() != e.dims {
		return fmt.Errorf("%w: initial position has %d dims, readings have %d", ErrBadConfig, p.Dims(), e.dims)
	}
	if p == nil {
		e.opt.InitPos = nil
	} else {
		e.opt.InitPos = p.Clone()
	}
	return nil
}

func (e *RssiEstimator) SetInitialPower(dbm float64) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.InitPower = dbm
	return nil
}

func (e *RssiEstimator) SetInitialExponent(n float64) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.InitExp = n
	return nil
}

func (e *RssiEstimator) SetResultRefined(v bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.ResultRefined = v
	return nil
}

func (e *RssiEstimator) SetKeepInliers(v bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.KeepInliers = v
	return nil
}

func (e *RssiEstimator) SetKeepResiduals(v bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.KeepResiduals = v
	return nil
}

func (e *RssiEstimator) SetKeepCovariance(v bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.KeepCovariance = v
	return nil
}

func (e *RssiEstimator) SetSeed(seed uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.Seed = seed
	return nil
}

func (e *RssiEstimator) SetListener(l RssiListener) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.opt.Listener = l
	return nil
}

func (e *RssiEstimator) Method() Method           { return e.opt.Method }
func (e *RssiEstimator) Unknowns() Unknowns       { return e.opt.Unknowns }
func (e *RssiEstimator) Threshold() float64       { return e.opt.Threshold }
func (e *RssiEstimator) Confidence() float64      { return e.opt.Confidence }
func (e *RssiEstimator) MaxIterations() int       { return e.opt.MaxIterations }
func (e *RssiEstimator) ProgressDelta() float64   { return e.opt.ProgressDelta }
func (e *RssiEstimator) Readings() []*RssiReading { return e.opt.Readings }
func (e *RssiEstimator) IsRunning() bool          { return e.running }

// Sol returns the result of the last successful estimate, or nil.
func (e *RssiEstimator) Sol() *RssiSol { return e.sol }

// MinReadings returns the minimum reading count for the enabled unknowns.
// Before readings are supplied, the dimensionality defaults to 3.
func (e *RssiEstimator) MinReadings() int {
	dims := e.dims
	if dims == 0 {
		dims = 3
	}
	return e.opt.Unknowns.MinReadings(dims)
}

// IsReady reports whether Estimate() has everything it needs.
func (e *RssiEstimator) IsReady() bool {
	if e.opt.Readings == nil || len(e.opt.Readings) < e.MinReadings() {
		return false
	}
	if e.opt.Method.NeedsQuality() && len(e.opt.Quality) != len(e.opt.Readings) {
		return false
	}
	return true
}

//-------------------------------------------------------------------
// Estimation
//-------------------------------------------------------------------

// Estimate runs the configured consensus strategy and, when enabled, the
// refinement stage. On success the previous solution is replaced
// atomically; on failure it is left in place and the error wraps the cause.
// The estimator always returns to Idle.
func (e *RssiEstimator) Estimate() (*RssiSol, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if !e.IsReady() {
		return nil, fmt.Errorf("%w: have %d readings, need %d", ErrNotReady, len(e.opt.Readings), e.MinReadings())
	}

	e.running = true
	defer func() { e.running = false }()

	if e.opt.Listener != nil {
		e.opt.Listener.OnEstimateStart(e)
	}

	prob := e.problem()
	fit, err := estimateRobust(prob, e.consensusOpt(), e.opt.ResultRefined, e.opt.KeepCovariance)
	if err != nil {
		return nil, err
	}

	sol := prob.solution(fit.x)
	sol.Cov = fit.cov
	sol.Vars = fit.vars
	sol.NumIter = fit.iters
	sol.Refined = fit.refined
	if e.opt.KeepInliers {
		sol.Inliers = fit.inliers
	}
	if e.opt.KeepResiduals {
		sol.Res = fit.res
	}

	e.sol = sol
	if e.opt.Listener != nil {
		e.opt.Listener.OnEstimateEnd(e)
	}
	return sol, nil
}

// EstimateSource runs Estimate and joins the result with the identity of
// the given source.
func (e *RssiEstimator) EstimateSource(src *RadioSource) (*EstimatedSource, error) {
	sol, err := e.Estimate()
	if err != nil {
		return nil, err
	}
	return NewEstimatedSource(src, sol), nil
}

func (e *RssiEstimator) problem() *rssiProblem {
	initPos := e.opt.InitPos
	if initPos == nil {
		initPos = make(Point, e.dims)
	}
	return &rssiProblem{
		readings: e.opt.Readings,
		freq:     e.opt.Freq,
		dims:     e.dims,
		unk:      e.opt.Unknowns,
		fixPos:   initPos,
		fixPower: e.opt.InitPower,
		fixExp:   e.opt.InitExp,
	}
}

func (e *RssiEstimator) consensusOpt() *consensusOpt {
	opt := &consensusOpt{
		method:        e.opt.Method,
		threshold:     e.opt.Threshold,
		confidence:    e.opt.Confidence,
		maxIter:       e.opt.MaxIterations,
		progressDelta: e.opt.ProgressDelta,
		seed:          e.opt.Seed,
		quality:       e.opt.Quality,
	}
	if l := e.opt.Listener; l != nil {
		opt.onIteration = func(iter int) { l.OnEstimateNextIteration(e, iter) }
		opt.onProgress = func(p float64) { l.OnEstimateProgressChange(e, p) }
	}
	return opt
}

// robustFit is the outcome of the shared consensus + refinement pipeline.
type robustFit struct {
	x       []float64
	inliers []bool
	res     []float64 // Residuals of every reading against the final model
	cov     *mat.SymDense
	vars    []float64
	iters   int
	refined bool
}

// estimateRobust is the consensus + refinement pipeline shared by the RSSI
// estimator and the accelerometer calibrator.
func estimateRobust(p FitProblem, opt *consensusOpt, refine, keepCov bool) (*robustFit, error) {
	best, err := runConsensus(p, opt)
	if err != nil {
		return nil, err
	}

	fit := &robustFit{
		x:       best.x,
		inliers: best.inliers,
		iters:   best.iters,
	}
	if refine {
		idx := inlierIndices(best.inliers)
		x2, err := SolveLM(p, fit.x, idx)
		if err != nil {
			// Keep the non refined consensus model
			PrintD(1, "\trefinement failed, keeping consensus model: %v\n", err)
		} else {
			fit.x = x2
			fit.refined = true
		}
	}

	fit.res = make([]float64, p.NumReadings())
	for i := range fit.res {
		fit.res[i] = p.Residual(fit.x, i)
	}

	if fit.refined && keepCov {
		cov, err := Covariance(p, fit.x, inlierIndices(best.inliers))
		if err != nil {
			// Degrade to an absent covariance, the point estimate stands
			PrintD(1, "\tcovariance unavailable: %v\n", err)
		} else {
			fit.cov = cov
			nx := p.NumUnknowns()
			fit.vars = make([]float64, nx)
			for j := 0; j < nx; j++ {
				fit.vars[j] = cov.At(j, j)
			}
		}
	}
	return fit, nil
}

// inlierIndices converts an inlier mask to an index list.
func inlierIndices(mask []bool) []int {
	idx := make([]int, 0, len(mask))
	for i, in := range mask {
		if in {
			idx = append(idx, i)
		}
	}
	return idx
}
