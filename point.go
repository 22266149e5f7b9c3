// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.4
//

package gorsl

import (
	"fmt"
	"math"
	"strings"
)

//-------------------------------------------------------------------
// Point
//-------------------------------------------------------------------

// Point is a position in 2 or 3 dimensions. All estimator code is
// dimension-agnostic and works off len(p).
type Point []float64

func NewPoint2D(x, y float64) Point {
	return Point{x, y}
}

func NewPoint3D(x, y, z float64) Point {
	return Point{x, y, z}
}

// Dims returns the dimensionality of the point.
func (p Point) Dims() int {
	return len(p)
}

// Dist returns the Euclidean distance to q. Panics if dimensions differ.
func (p Point) Dist(q Point) float64 {
	s := 0.0
	for i := range p {
		s += SQ(p[i] - q[i])
	}
	return math.Sqrt(s)
}

// Sub returns p - q as a new point.
func (p Point) Sub(q Point) Point {
	d := make(Point, len(p))
	for i := range p {
		d[i] = p[i] - q[i]
	}
	return d
}

// Norm returns the Euclidean norm of p taken as a vector.
func (p Point) Norm() float64 {
	s := 0.0
	for i := range p {
		s += SQ(p[i])
	}
	return math.Sqrt(s)
}

// Clone returns a copy of p.
func (p Point) Clone() Point {
	q := make(Point, len(p))
	copy(q, p)
	return q
}

// Convert to string
func (p Point) String() string {
	f := make([]string, len(p))
	for i, v := range p {
		f[i] = fmt.Sprintf("%.4f", v)
	}
	return strings.Join(f, " ")
}
