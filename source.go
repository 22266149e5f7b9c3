// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.6
//

package gorsl

import "fmt"

//-------------------------------------------------------------------
// RadioSource
//-------------------------------------------------------------------

// RadioSource identifies a radio emitter (WiFi access point, BLE beacon)
// whose parameters are to be estimated.
type RadioSource struct {
	Bssid string  // Identifier (BSSID, beacon UUID, ...)
	Freq  float64 // Carrier frequency [Hz]
}

func NewRadioSource(bssid string, freq float64) *RadioSource {
	if freq <= 0 {
		freq = DEF_FREQ
	}
	return &RadioSource{
		Bssid: bssid,
		Freq:  freq,
	}
}

//-------------------------------------------------------------------
// EstimatedSource
//-------------------------------------------------------------------

// EstimatedSource joins an estimation result with the identity of the source
// it was computed for, for downstream consumption.
type EstimatedSource struct {
	RadioSource
	Sol RssiSol
}

func NewEstimatedSource(src *RadioSource, sol *RssiSol) *EstimatedSource {
	return &EstimatedSource{
		RadioSource: *src,
		Sol:         *sol,
	}
}

func (p *EstimatedSource) String() string {
	return fmt.Sprintf("%s: pos=[%v], power=%.2fdBm, exponent=%.3f",
		p.Bssid, p.Sol.Pos, p.Sol.Power, p.Sol.Exponent)
}
