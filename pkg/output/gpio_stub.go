// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build !linux

package output

import "fmt"

// OpenLine is unavailable without the Linux GPIO character device.
func OpenLine(lineName, consumer string) (LineDriver, error) {
	return nil, fmt.Errorf("output: gpio unsupported on this platform")
}
