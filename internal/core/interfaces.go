package core

import (
	"time"

	"supply-service/internal/types"
)

// FeederUnit defines the interface for one feeder unit driver: four filament
// bays with ready/loaded sensing, a shared follower motor and encoder, and
// per-bay error LEDs. Load and unload commands block with bounded internal
// retries and honor AbortCurrentAction.
type FeederUnit interface {
	Name() string

	// Bay sensing
	IsBayReady(bay int) (bool, error)
	IsBayLoaded(bay int) (bool, error)

	// Shared motion hardware
	EncoderClicks() (int64, error)
	SetFollower(enable bool, direction types.Direction) error
	FilamentPathLength() float64

	// Commands (bounded retry, synchronous)
	LoadSpoolWithRetry(bay int) (bool, string)
	UnloadSpoolWithRetry() (bool, string)
	AbortCurrentAction() error

	// Status
	LastActionCode() string
	LastSuccessfulLoadTime(bay int) time.Time
	LastLoadWasRetry(bay int) bool

	// Presentation
	SetLedError(bay int, on bool) error
}

// PressureSensor defines the interface for one print-head buffer pressure
// transducer and its associated extruder feed position.
type PressureSensor interface {
	Name() string
	Value() (float64, error)            // normalized 0..1
	ExtruderPosition() (float64, error) // monotonic feed position, mm
	FeederNames() []string              // feeder units this sensor may draw from
}

// LaneManager defines the boundary to the external print-management host:
// lane registry lookups, runout notifications, cross-lane delegation and
// pause requests.
type LaneManager interface {
	NotifyRunoutDetected(sensor string, spool types.SpoolRef, laneHint string) error
	NotifyLaneToolState(unit, lane string, loaded bool, bay int, ts time.Time) (bool, error)
	ResolveLaneForSpool(unit string, bay int) (string, error)
	RunoutTarget(lane string) (types.SpoolRef, bool, error)
	UnitExtruder(unit string) (string, error)
	RequestLaneSwitch(lane string, target types.SpoolRef) error
	RequestPause(reason string) error
	IsPrinting() (bool, error)
	AxesHomed() (bool, error)
}

// MessagingClient defines the interface for the status and fault surface
// published over Redis.
type MessagingClient interface {
	PublishSensorState(snap types.SensorSnapshot) error
	PublishFeederState(snap types.FeederSnapshot) error
	PublishCommandResult(command string, ok bool, message string) error
	ReportFaultPresent(code int, description, info string) error
	ReportFaultAbsent(code int) error
}

// Fault codes for the supply fault stream.
const (
	FaultStall = iota + 1
	FaultStuckSpool
	FaultClog
	FaultDelegation
)
