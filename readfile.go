// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.24
//

// Implements the reading list file format used by the command line driver.
//
// The format is line oriented:
//
//	% dims 2
//	% freq 2.4e9
//	% columns pos rssi std quality
//	1.0  2.0  -48.5  1.0  0.9
//	# comment
//
// Header lines start with '%'. The columns directive declares which optional
// columns follow the position: "std" and/or "quality". Lines starting with
// '#' and blank lines are skipped.

package gorsl

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// ReadingSet is the content of a reading list file.
type ReadingSet struct {
	Dims     int
	Freq     float64 // Emitter frequency [Hz] (0 if the file does not declare one)
	Readings []*RssiReading
	Quality  []float64 // nil when the file carries no quality column
}

// ReadReadings parses a reading list from r.
func ReadReadings(r io.Reader) (*ReadingSet, error) {
	rs := &ReadingSet{Dims: 2}
	hasStd := false
	hasQuality := false

	s := bufio.NewScanner(r)
	ln := 0
	for s.Scan() {
		ln++
		line := strings.TrimSpace(s.Text())

		// Skip blanks and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Header directives
		if strings.HasPrefix(line, "%") {
			f := strings.Fields(strings.TrimPrefix(line, "%"))
			if len(f) < 2 {
				return nil, fmt.Errorf("line %d: malformed directive %q", ln, line)
			}
			switch f[0] {
			case "dims":
				d, err := strconv.Atoi(f[1])
				if err != nil || (d != 2 && d != 3) {
					return nil, fmt.Errorf("line %d: dims must be 2 or 3", ln)
				}
				rs.Dims = d
			case "freq":
				v, err := strconv.ParseFloat(f[1], 64)
				if err != nil || v <= 0 {
					return nil, fmt.Errorf("line %d: invalid frequency %q", ln, f[1])
				}
				rs.Freq = v
			case "columns":
				hasStd = slices.Contains(f[1:], "std")
				hasQuality = slices.Contains(f[1:], "quality")
			default:
				return nil, fmt.Errorf("line %d: unknown directive %q", ln, f[0])
			}
			continue
		}

		// Data line
		f := strings.Fields(line)
		want := rs.Dims + 1
		if hasStd {
			want++
		}
		if hasQuality {
			want++
		}
		if len(f) != want {
			return nil, fmt.Errorf("line %d: %d fields, expected %d", ln, len(f), want)
		}
		v := make([]float64, len(f))
		for i, t := range f {
			var err error
			if v[i], err = strconv.ParseFloat(t, 64); err != nil {
				return nil, fmt.Errorf("line %d: invalid number %q", ln, t)
			}
		}

		rd := &RssiReading{
			Pos:  Point(v[:rs.Dims]),
			Rssi: v[rs.Dims],
		}
		i := rs.Dims + 1
		if hasStd {
			rd.Std = v[i]
			i++
		}
		rs.Readings = append(rs.Readings, rd)
		if hasQuality {
			rs.Quality = append(rs.Quality, v[i])
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(rs.Readings) == 0 {
		return nil, fmt.Errorf("no readings in file")
	}
	return rs, nil
}
