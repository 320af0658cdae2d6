package types

import "time"

// LoadState is the per-sensor filament load state.
type LoadState string

const (
	LoadStateUnloaded  LoadState = "unloaded"
	LoadStateLoading   LoadState = "loading"
	LoadStateLoaded    LoadState = "loaded"
	LoadStateUnloading LoadState = "unloading"
)

// RunoutState is the per-sensor runout monitor state.
type RunoutState string

const (
	RunoutStopped    RunoutState = "stopped"
	RunoutMonitoring RunoutState = "monitoring"
	RunoutDetected   RunoutState = "detected"
	RunoutCoasting   RunoutState = "coasting"
	RunoutReloading  RunoutState = "reloading"
	RunoutPaused     RunoutState = "paused"
)

// Direction is the follower motor direction.
type Direction int

const (
	DirectionForward Direction = iota
	DirectionReverse
)

func (d Direction) String() string {
	if d == DirectionReverse {
		return "reverse"
	}
	return "forward"
}

// SpoolRef identifies one bay on one feeder unit.
type SpoolRef struct {
	Feeder string
	Bay    int
}

// SensorSnapshot is the read-only per-sensor status surface.
type SensorSnapshot struct {
	Sensor       string
	State        LoadState
	Group        string
	Feeder       string
	Bay          int
	Since        time.Time
	Runout       RunoutState
	LoadWasRetry bool
}

// FeederSnapshot is the read-only per-feeder status surface.
type FeederSnapshot struct {
	Feeder         string
	LastActionCode string
}
