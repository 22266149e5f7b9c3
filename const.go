// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.2
//

package gorsl

const (
	PI = 3.1415926535897932 // Pi
	C  = 2.99792458e8       // Speed of light [m/s]

	FREQ_WIFI_24 = 2.4e9  // WiFi 2.4GHz band center frequency [Hz]
	FREQ_WIFI_5  = 5.0e9  // WiFi 5GHz band center frequency [Hz]
	FREQ_BLE     = 2.44e9 // Bluetooth LE center frequency [Hz]

	DEF_FREQ     = FREQ_WIFI_24 // Default emitter frequency [Hz]
	DEF_TXPOWER  = 20.0         // Default transmitted power [dBm] (typical WiFi AP)
	DEF_EXPONENT = 2.0          // Default path loss exponent (free space)

	GRAVITY = 9.80665 // Standard gravity norm [m/s^2]
)
