package core

import "github.com/zoobzio/capitan"

// Structured field keys attached to supply signals.
var (
	KeySensor   = capitan.NewStringKey("sensor")
	KeyGroup    = capitan.NewStringKey("group")
	KeyFeeder   = capitan.NewStringKey("feeder")
	KeyBay      = capitan.NewIntKey("bay")
	KeyLane     = capitan.NewStringKey("lane")
	KeyOldState = capitan.NewStringKey("old_state")
	KeyNewState = capitan.NewStringKey("new_state")
	KeyMessage  = capitan.NewStringKey("message")
	KeyDwell    = capitan.NewDurationKey("dwell")
)
