// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.6
//

package gorsl

import (
	"fmt"
	"math"
	"sort"
)

// RssiReading is one received signal strength observation taken at a known
// receiver position. Std is the standard deviation of the reading in dB;
// zero means unknown. Readings are never mutated by the estimators.
type RssiReading struct {
	Pos  Point   // Receiver position
	Rssi float64 // Received signal strength [dBm]
	Std  float64 // Standard deviation [dB] (0: unknown)
}

func NewRssiReading(pos Point, rssi float64) *RssiReading {
	return &RssiReading{
		Pos:  pos,
		Rssi: rssi,
	}
}

func NewRssiReadingWithStd(pos Point, rssi, std float64) *RssiReading {
	return &RssiReading{
		Pos:  pos,
		Rssi: rssi,
		Std:  std,
	}
}

// checkReadings validates a reading set: non-nil entries, consistent
// dimensionality, finite values, non-negative standard deviations.
func checkReadings(readings []*RssiReading) (dims int, err error) {
	if len(readings) == 0 {
		return 0, fmt.Errorf("%w: no readings", ErrBadConfig)
	}
	for i, r := range readings {
		if r == nil {
			return 0, fmt.Errorf("%w: reading %d is nil", ErrBadConfig, i)
		}
		if i == 0 {
			dims = r.Pos.Dims()
			if dims != 2 && dims != 3 {
				return 0, fmt.Errorf("%w: unsupported dimensionality %d", ErrBadConfig, dims)
			}
		}
		if r.Pos.Dims() != dims {
			return 0, fmt.Errorf("%w: reading %d has %d dims, expected %d", ErrBadConfig, i, r.Pos.Dims(), dims)
		}
		if math.IsNaN(r.Rssi) || math.IsInf(r.Rssi, 0) {
			return 0, fmt.Errorf("%w: reading %d has non-finite RSSI", ErrBadConfig, i)
		}
		if r.Std < 0 {
			return 0, fmt.Errorf("%w: reading %d has negative std", ErrBadConfig, i)
		}
	}
	return dims, nil
}

// checkQualityScores validates quality scores against a reading count.
// Required only by the quality driven methods (PROSAC/PROMedS).
func checkQualityScores(scores []float64, n int) error {
	if len(scores) != n {
		return fmt.Errorf("%w: %d quality scores for %d readings", ErrBadConfig, len(scores), n)
	}
	for i, s := range scores {
		if math.IsNaN(s) {
			return fmt.Errorf("%w: quality score %d is NaN", ErrBadConfig, i)
		}
	}
	return nil
}

// sortedByQuality returns reading indices ordered by descending quality
// score. Ties keep the original reading order.
func sortedByQuality(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]] > scores[idx[j]]
	})
	return idx
}
