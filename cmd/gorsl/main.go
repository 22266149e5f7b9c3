// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.26
//

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	m "github.com/mkhts/gorsl"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs()
	if err != nil {
		m.PrintE(err)
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		m.PrintE(err)
		os.Exit(1)
	}
}

// Main application processing
func runApplication(args cmdOpt) error {

	// Load the reading file
	rs, err := readReadings(args.inFn)
	if err != nil {
		return fmt.Errorf("failed to read reading file: %w", err)
	}
	if m.DBG_ >= 1 {
		m.PrintA("--- readings (%s) ---\n", filepath.Base(args.inFn))
		for i, r := range rs.Readings {
			m.PrintA("\t%3d: pos=[%v], rssi=%8.2f dBm\n", i, r.Pos, r.Rssi)
		}
	}

	// Build estimator options
	opt, err := setRssiOpt(&args, rs)
	if err != nil {
		return err
	}

	est, err := m.NewRssiEstimator(opt)
	if err != nil {
		return fmt.Errorf("failed to configure estimator: %w", err)
	}

	// Estimate source parameters
	src := m.NewRadioSource(args.bssid, opt.Freq)
	esrc, err := est.EstimateSource(src)
	if err != nil {
		return fmt.Errorf("estimation failed: %w", err)
	}

	// Prepare output
	out, err := prepareOutput(args)
	if err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	defer closeOutput(out)

	printResult(out, args, esrc)
	return nil
}

// Print estimation results
func printResult(out io.Writer, args cmdOpt, esrc *m.EstimatedSource) {
	sol := &esrc.Sol
	fmt.Fprintf(out, "%% program : %s\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(out, "%% method  : %s\n", args.method)
	fmt.Fprintf(out, "%% source  : %s (%.0f Hz)\n", esrc.Bssid, esrc.Freq)
	fmt.Fprintf(out, "position  : %v\n", sol.Pos)
	fmt.Fprintf(out, "power     : %.2f dBm (%.4g W)\n", sol.Power, m.DBmToWatt(sol.Power))
	fmt.Fprintf(out, "exponent  : %.4f\n", sol.Exponent)
	fmt.Fprintf(out, "iterations: %d, refined: %v\n", sol.NumIter, sol.Refined)
	if sol.Inliers != nil {
		nin := 0
		for _, in := range sol.Inliers {
			if in {
				nin++
			}
		}
		fmt.Fprintf(out, "inliers   : %d / %d\n", nin, len(sol.Inliers))
	}
	if sol.Vars != nil {
		fmt.Fprintf(out, "variance  : %v\n", sol.Vars)
	}
	if m.DBG_ >= 2 && sol.Cov != nil {
		m.PrintA("cov=\n")
		m.PrintMat(sol.Cov)
	}
}

// Prepare output file
func prepareOutput(args cmdOpt) (io.WriteCloser, error) {
	if len(args.outFn) == 0 {
		return &nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(args.outFn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

// Close output file
func closeOutput(out io.WriteCloser) {
	if out != nil {
		out.Close()
	}
}

// nopCloser - WriteCloser that ignores close operations
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Structure to hold command line argument information
type cmdOpt struct {
	inFn      string
	outFn     string
	bssid     string
	method    m.Method
	unknowns  string
	freq      float64
	threshold float64
	conf      float64
	maxIter   int
	initPower float64
	initExp   float64
	noRefine  bool
	residuals bool
	seed      uint64
}

// Parse command line arguments
func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		m.PrintA(`
[Usage]
	%s [Options] readings.txt

[Options]
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	rOpt := m.NewRssiOpt()
	var method string
	flag.StringVar(&method, "m", "ransac", "Robust method: ransac, lmeds, msac, prosac, promeds. The prosac/promeds methods require a quality column in the reading file.")
	flag.StringVar(&a.unknowns, "u", "pos,pow,exp", "Unknowns to estimate. Comma-separated without spaces: pos, pow, exp.")
	flag.StringVar(&a.bssid, "b", "unknown", "Source identifier (BSSID) for the output.")
	flag.Float64Var(&a.freq, "f", 0, "Emitter frequency [Hz]. Overrides the frequency declared in the reading file. 0 uses the file value or the 2.4GHz default.")
	flag.Float64Var(&a.threshold, "t", rOpt.Threshold, "Inlier threshold [dB] for ransac/msac/prosac.")
	flag.Float64Var(&a.conf, "c", rOpt.Confidence, "Target confidence in (0,1).")
	flag.IntVar(&a.maxIter, "n", rOpt.MaxIterations, "Maximum consensus iterations.")
	flag.Float64Var(&a.initPower, "tp", rOpt.InitPower, "Initial (or fixed, when pow is not estimated) transmitted power [dBm].")
	flag.Float64Var(&a.initExp, "pe", rOpt.InitExp, "Initial (or fixed, when exp is not estimated) path loss exponent.")
	flag.BoolVar(&a.noRefine, "nr", false, "Skip the refinement stage over the inlier set.")
	flag.BoolVar(&a.residuals, "res", false, "Keep and print per reading residuals.")
	flag.Uint64Var(&a.seed, "seed", 0, "Sampler seed for reproducible runs.")
	flag.StringVar(&a.outFn, "o", "", "Output file path. If not specified, output to stdout.")
	var dbg int
	flag.IntVar(&dbg, "x", 0, "Debug information display. Specify level value. 0(OFF), 1(display), 2(detailed display), 3(more detailed)")
	flag.Parse()

	if flag.NArg() != 1 {
		return a, fmt.Errorf("exactly one reading file expected")
	}
	a.inFn = flag.Arg(0)

	switch strings.ToLower(method) {
	case "ransac":
		a.method = m.RANSAC
	case "lmeds":
		a.method = m.LMEDS
	case "msac":
		a.method = m.MSAC
	case "prosac":
		a.method = m.PROSAC
	case "promeds":
		a.method = m.PROMEDS
	default:
		return a, fmt.Errorf("unknown method %q", method)
	}

	m.DBG_ = dbg
	return
}

// Build estimator options from arguments and the loaded reading file
func setRssiOpt(args *cmdOpt, rs *m.ReadingSet) (*m.RssiOpt, error) {
	opt := m.NewRssiOpt()
	opt.Readings = rs.Readings
	opt.Quality = rs.Quality
	opt.Method = args.method
	opt.Threshold = args.threshold
	opt.Confidence = args.conf
	opt.MaxIterations = args.maxIter
	opt.InitPower = args.initPower
	opt.InitExp = args.initExp
	opt.ResultRefined = !args.noRefine
	opt.KeepResiduals = args.residuals
	opt.Seed = args.seed

	if args.freq > 0 {
		opt.Freq = args.freq
	} else if rs.Freq > 0 {
		opt.Freq = rs.Freq
	}

	var unk m.Unknowns
	for _, u := range strings.Split(args.unknowns, ",") {
		switch u {
		case "pos":
			unk |= m.UnknownPosition
		case "pow":
			unk |= m.UnknownPower
		case "exp":
			unk |= m.UnknownExponent
		default:
			return nil, fmt.Errorf("unknown parameter group %q", u)
		}
	}
	opt.Unknowns = unk
	return opt, nil
}

// Read reading file
func readReadings(fn string) (*m.ReadingSet, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return m.ReadReadings(f)
}
