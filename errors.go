// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorsl

import "errors"

// Error taxonomy of the estimation facades.
// Configuration errors are raised at the mutating call, never deferred to
// Estimate(). Estimation errors wrap the originating numerical cause and can
// be inspected with errors.Is / errors.Unwrap.
var (
	// ErrBadConfig reports an invalid configuration value (threshold <= 0,
	// confidence outside (0,1), maxIterations < 1, mismatched array lengths).
	ErrBadConfig = errors.New("invalid configuration")

	// ErrNotReady reports that Estimate() was called before enough readings
	// (and quality scores, when the method requires them) were supplied.
	ErrNotReady = errors.New("estimator not ready")

	// ErrLocked reports a configuration mutation attempted while an estimate
	// is in progress, including from within a listener callback.
	ErrLocked = errors.New("estimator locked")

	// ErrEstimation reports that the consensus or refinement stage failed to
	// produce a model (degenerate subsets, exhausted iteration bound).
	ErrEstimation = errors.New("estimation failed")

	// ErrSingular reports a rank deficient system in the minimal subset or
	// refinement solve.
	ErrSingular = errors.New("singular system")
)
