package angle

import (
	"log"
	"math"
)

// RPM is an engine speed in revolutions per minute.
//
// The trigger scheduler treats RPM as a trusted input from the RPM
// estimation subsystem. A reading may still be momentarily invalid, e.g. a
// single trigger event after a pause, and every consumer must check Valid
// before converting angles to time.
type RPM float64

// Valid reports whether the reading can be used for angle-to-time
// conversion.
func (r RPM) Valid() bool {
	return r > 0 && !math.IsInf(float64(r), 1) && !math.IsNaN(float64(r))
}

// DegreesPerSecond returns the angular velocity implied by the reading.
func (r RPM) DegreesPerSecond() float64 {
	if !r.Valid() {
		log.Panic("angular velocity requires a valid RPM")
	}

	return float64(r) * float64(DegreesPerRevolution) / 60.0
}

// SecondsForAngle returns the time the crankshaft takes to rotate through a
// at this speed.
func (r RPM) SecondsForAngle(a Angle) float64 {
	if math.IsNaN(float64(a)) {
		log.Panic("invalid angle")
	}

	return float64(a) / r.DegreesPerSecond()
}

// RPMSource supplies the current engine speed. Implemented by the RPM
// estimation subsystem; the scheduler consults it when a request can be
// armed immediately.
type RPMSource interface {
	RPM() RPM
}
