// Package angle provides the angular units and the rotational math used by
// the trigger scheduling core. Angles are expressed in degrees and engine
// phases wrap at the engine cycle length (720 degrees for a four-stroke
// engine, 360 for a two-stroke).
package angle

import (
	"log"
	"math"
)

// Angle is an angular distance or position in degrees.
type Angle float64

// Common cycle lengths in degrees.
const (
	DegreesPerRevolution Angle = 360
	FourStrokeCycle      Angle = 720
	TwoStrokeCycle       Angle = 360
)

// Normalize wraps a into the half-open range [0, cycle).
func Normalize(a, cycle Angle) Angle {
	if cycle <= 0 || math.IsNaN(float64(a)) {
		log.Panic("invalid angle normalization")
	}

	r := Angle(math.Mod(float64(a), float64(cycle)))
	if r < 0 {
		r += cycle
	}

	return r
}

// InRange reports whether test lies in the half-open interval
// [current, next). When next < current the interval wraps through zero,
// covering [current, cycle) followed by [0, next).
//
//	         next          current
//	          )               [
//	|---------|---------------|--------|
//	0                                cycle
func InRange(test, current, next Angle) bool {
	afterCurrent := test >= current
	beforeNext := test < next

	if next > current {
		return afterCurrent && beforeNext
	}

	return afterCurrent || beforeNext
}
