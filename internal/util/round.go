// Package util provides small numeric helpers shared across the engine.
package util

import "math"

// RoundToLot rounds shares to the nearest whole lot, preserving sign.
func RoundToLot(shares float64, lotSize int) int {
	if lotSize <= 0 {
		lotSize = 1
	}
	lots := math.Round(shares / float64(lotSize))
	return int(lots) * lotSize
}

// AbsInt returns the absolute value of an integer.
func AbsInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
