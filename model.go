// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.12
//

// Implements the log-distance path loss model, its Jacobian, and the fitting
// problem interface shared by the robust estimation engine.

package gorsl

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

//-------------------------------------------------------------------
// Unknowns
//-------------------------------------------------------------------

// Unknowns selects which emitter parameters are estimated. Disabled
// parameters keep their caller supplied values.
type Unknowns uint8

const (
	UnknownPosition Unknowns = 1 << iota // Emitter position (2 or 3 dims)
	UnknownPower                         // Transmitted power [dBm]
	UnknownExponent                      // Path loss exponent
)

// Has reports whether u enables all flags in f.
func (u Unknowns) Has(f Unknowns) bool {
	return u&f == f
}

// Count returns the unknown vector size for the given dimensionality.
func (u Unknowns) Count(dims int) int {
	n := 0
	if u.Has(UnknownPosition) {
		n += dims
	}
	if u.Has(UnknownPower) {
		n++
	}
	if u.Has(UnknownExponent) {
		n++
	}
	return n
}

// MinReadings returns the minimum reading count that makes the unknown
// vector observable. This is also the consensus subset size.
func (u Unknowns) MinReadings(dims int) int {
	switch {
	case u == UnknownPosition:
		return dims + 1
	case u == UnknownPower || u == UnknownExponent:
		return 2
	case u == UnknownPosition|UnknownPower || u == UnknownPosition|UnknownExponent:
		return 2 * dims
	case u == UnknownPower|UnknownExponent:
		return 3
	case u == UnknownPosition|UnknownPower|UnknownExponent:
		return 2*dims + 1
	}
	return 0
}

//-------------------------------------------------------------------
// Path loss model
//-------------------------------------------------------------------

// pathLossK returns the free space wavelength constant c/(4*pi*f) of the
// log-distance model.
func pathLossK(freq float64) float64 {
	return C / (4 * PI * freq)
}

// PathLossDBm predicts the received signal strength [dBm] at distance dist
// from an emitter transmitting txPower [dBm] at the given frequency, under a
// log-distance path loss law with the given exponent.
func PathLossDBm(dist, freq, txPower, exponent float64) float64 {
	return txPower + 10*exponent*math.Log10(pathLossK(freq)/dist)
}

// PathLossDistance inverts PathLossDBm, returning the distance at which the
// given RSSI would be observed.
func PathLossDistance(rssi, freq, txPower, exponent float64) float64 {
	return pathLossK(freq) * math.Pow(10, (txPower-rssi)/(10*exponent))
}

//-------------------------------------------------------------------
// FitProblem
//-------------------------------------------------------------------

// FitProblem is the model/residual/Jacobian triple the robust engine and the
// Levenberg-Marquardt solver operate on. The radio localization problem and
// the accelerometer calibration problem both implement it; the engine never
// sees the physics.
type FitProblem interface {
	// NumReadings returns the number of observations.
	NumReadings() int
	// NumUnknowns returns the unknown vector size.
	NumUnknowns() int
	// MinSubset returns the minimal subset size making the unknowns solvable.
	MinSubset() int
	// InitGuess returns the initial unknown vector for the solver.
	InitGuess() []float64
	// Residual returns measured minus predicted for reading i at x.
	Residual(x []float64, i int) float64
	// JacobianRow fills row with the partial derivatives of the prediction
	// for reading i with respect to each unknown, evaluated at x.
	JacobianRow(x []float64, i int, row []float64)
	// ValidSubset reports whether the readings at idx have enough geometric
	// diversity to solve the unknowns.
	ValidSubset(idx []int) bool
	// Weight returns the least squares weight of reading i (1 if unknown).
	Weight(i int) float64
}

// numericalJacobianRow fills row by central finite differences of
// p.Residual. The residual is measured-predicted, so the sign is flipped to
// yield prediction partials.
func numericalJacobianRow(p FitProblem, x []float64, i int, row []float64) {
	const h = 1e-6
	x2 := make([]float64, len(x))
	copy(x2, x)
	for j := range x {
		x2[j] = x[j] + h
		rp := p.Residual(x2, i)
		x2[j] = x[j] - h
		rm := p.Residual(x2, i)
		x2[j] = x[j]
		row[j] = -(rp - rm) / (2 * h)
	}
}

//-------------------------------------------------------------------
// rssiProblem
//-------------------------------------------------------------------

// rssiProblem binds a reading set, the emitter frequency and the enabled
// unknowns into a FitProblem. The unknown vector layout is
// [position dims...][power][exponent], restricted to the enabled entries.
// Disabled parameters keep the fixed values below.
type rssiProblem struct {
	readings []*RssiReading
	freq     float64
	dims     int
	unk      Unknowns
	fixPos   Point   // Position used when UnknownPosition is disabled (also the initial guess)
	fixPower float64 // Power [dBm] used when UnknownPower is disabled
	fixExp   float64 // Exponent used when UnknownExponent is disabled
}

func (p *rssiProblem) NumReadings() int { return len(p.readings) }
func (p *rssiProblem) NumUnknowns() int { return p.unk.Count(p.dims) }
func (p *rssiProblem) MinSubset() int   { return p.unk.MinReadings(p.dims) }

func (p *rssiProblem) InitGuess() []float64 {
	x := make([]float64, 0, p.NumUnknowns())
	if p.unk.Has(UnknownPosition) {
		x = append(x, p.fixPos...)
	}
	if p.unk.Has(UnknownPower) {
		x = append(x, p.fixPower)
	}
	if p.unk.Has(UnknownExponent) {
		x = append(x, p.fixExp)
	}
	return x
}

// params expands the unknown vector into the full parameter set.
func (p *rssiProblem) params(x []float64) (pos Point, power, exp float64) {
	pos = p.fixPos
	power = p.fixPower
	exp = p.fixExp
	i := 0
	if p.unk.Has(UnknownPosition) {
		pos = Point(x[:p.dims])
		i += p.dims
	}
	if p.unk.Has(UnknownPower) {
		power = x[i]
		i++
	}
	if p.unk.Has(UnknownExponent) {
		exp = x[i]
	}
	return
}

func (p *rssiProblem) Residual(x []float64, i int) float64 {
	pos, power, exp := p.params(x)
	d := pos.Dist(p.readings[i].Pos)
	if d < minModelDistance {
		d = minModelDistance
	}
	return p.readings[i].Rssi - PathLossDBm(d, p.freq, power, exp)
}

// Distances below this are clamped to keep the dB model finite when a
// candidate position lands on a receiver.
const minModelDistance = 1e-6

// tenOverLn10 scales natural log derivatives into the dB domain.
var tenOverLn10 = 10 / math.Ln10

func (p *rssiProblem) JacobianRow(x []float64, i int, row []float64) {
	pos, _, exp := p.params(x)
	rp := p.readings[i].Pos
	d := pos.Dist(rp)
	if d < minModelDistance {
		d = minModelDistance
	}
	j := 0
	if p.unk.Has(UnknownPosition) {
		// d(rssi)/d(pos_j) = -10*n/ln10 * (pos_j - rp_j) / d^2
		for k := 0; k < p.dims; k++ {
			row[j] = -tenOverLn10 * exp * (pos[k] - rp[k]) / SQ(d)
			j++
		}
	}
	if p.unk.Has(UnknownPower) {
		row[j] = 1
		j++
	}
	if p.unk.Has(UnknownExponent) {
		row[j] = 10 * math.Log10(pathLossK(p.freq)/d)
	}
}

// ValidSubset rejects subsets without enough geometric diversity: duplicate
// receiver positions always, and affinely degenerate position sets (colinear
// in 2D, coplanar in 3D) when the position is among the unknowns.
func (p *rssiProblem) ValidSubset(idx []int) bool {
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			if p.readings[idx[a]].Pos.Dist(p.readings[idx[b]].Pos) < minModelDistance {
				return false
			}
		}
	}
	if !p.unk.Has(UnknownPosition) || len(idx) < p.dims+1 {
		return true
	}

	// Rank of the edge matrix relative to the first point
	ref := p.readings[idx[0]].Pos
	E := mat.NewDense(len(idx)-1, p.dims, nil)
	for a := 1; a < len(idx); a++ {
		d := p.readings[idx[a]].Pos.Sub(ref)
		E.SetRow(a-1, d)
	}
	var svd mat.SVD
	if !svd.Factorize(E, mat.SVDNone) {
		return false
	}
	sv := svd.Values(nil)
	const tol = 1e-9
	rank := 0
	for _, v := range sv {
		if v > tol*sv[0] {
			rank++
		}
	}
	return rank >= p.dims
}

func (p *rssiProblem) Weight(i int) float64 {
	if s := p.readings[i].Std; s > 0 {
		return 1 / SQ(s)
	}
	return 1
}

// solution expands the unknown vector into an RssiSol shell.
func (p *rssiProblem) solution(x []float64) *RssiSol {
	pos, power, exp := p.params(x)
	return &RssiSol{
		Pos:      pos.Clone(),
		Power:    power,
		Exponent: exp,
	}
}
