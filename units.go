// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorsl

import "math"

// ------------------------------------
// Power unit conversions
// ------------------------------------

// DBmToWatt converts a power level in dBm to Watts.
func DBmToWatt(dbm float64) float64 {
	return math.Pow(10, dbm/10) / 1000
}

// WattToDBm converts a power level in Watts to dBm.
func WattToDBm(w float64) float64 {
	return 10 * math.Log10(w*1000)
}

// DBToRatio converts a dB value to a linear power ratio.
func DBToRatio(db float64) float64 {
	return math.Pow(10, db/10)
}

// RatioToDB converts a linear power ratio to dB.
func RatioToDB(r float64) float64 {
	return 10 * math.Log10(r)
}
