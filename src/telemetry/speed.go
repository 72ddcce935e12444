package telemetry

import (
	"math"
	"time"
)

const (
	kmhToMph = 0.621371
	// TripLimitKm is where the trip counter wraps back to zero.
	TripLimitKm = 999.0
)

// Vehicle describes the drivetrain used to turn ERPM into road speed.
type Vehicle struct {
	MotorPulley     uint8 // teeth
	WheelPulley     uint8 // teeth
	WheelDiameterMM uint8
	MotorPoles      uint8
	Imperial        bool
}

// DefaultVehicle is a 15/33 belt drive on 115 mm wheels with a 14-pole motor.
func DefaultVehicle() Vehicle {
	return Vehicle{
		MotorPulley:     15,
		WheelPulley:     33,
		WheelDiameterMM: 115,
		MotorPoles:      14,
	}
}

// SpeedKmh converts ERPM to ground speed in km/h, always non-negative.
func (v Vehicle) SpeedKmh(erpm int32) float64 {
	if v.MotorPoles == 0 || v.MotorPulley == 0 || v.WheelPulley == 0 {
		return 0
	}
	rpm := float64(erpm) / float64(v.MotorPoles)
	ratio := float64(v.WheelPulley) / float64(v.MotorPulley)
	wheelRPM := rpm / ratio
	circumference := float64(v.WheelDiameterMM) / 1000 * math.Pi
	return math.Abs(wheelRPM * circumference * 60 / 1000)
}

// Speed converts ERPM to ground speed in the configured unit.
func (v Vehicle) Speed(erpm int32) float64 {
	return v.FromKm(v.SpeedKmh(erpm))
}

// FromKm converts a km figure to the configured unit.
func (v Vehicle) FromKm(km float64) float64 {
	if v.Imperial {
		return km * kmhToMph
	}
	return km
}

// SpeedUnit returns "mph" or "km/h".
func (v Vehicle) SpeedUnit() string {
	if v.Imperial {
		return "mph"
	}
	return "km/h"
}

// DistanceUnit returns "mi" or "km".
func (v Vehicle) DistanceUnit() string {
	if v.Imperial {
		return "mi"
	}
	return "km"
}

// Trip integrates speed over time into a distance in km.
type Trip struct {
	Km   float64
	last time.Time
}

// Update adds the distance covered at speedKmh since the previous update.
// The counter wraps to zero past TripLimitKm.
func (t *Trip) Update(speedKmh float64, now time.Time) {
	if !t.last.IsZero() && now.After(t.last) {
		t.Km += speedKmh * now.Sub(t.last).Hours()
		if t.Km > TripLimitKm {
			t.Km = 0
		}
	}
	t.last = now
}

// Reset clears the distance.
func (t *Trip) Reset() {
	t.Km = 0
}
