package core

import "github.com/zoobzio/capitan"

// Coordinator lifecycle and health signals.
var (
	SignalStateChanged = capitan.NewSignal("supply.sensor.state_changed",
		"Per-sensor load state transition")

	SignalRunoutDetected = capitan.NewSignal("supply.runout.detected",
		"Active spool ran empty while printing")

	SignalStallDetected = capitan.NewSignal("supply.stall.detected",
		"Encoder stopped advancing during a load or unload")

	SignalStuckSpoolDetected = capitan.NewSignal("supply.stuck_spool.detected",
		"Buffer pressure pinned low while the follower feeds forward")

	SignalClogDetected = capitan.NewSignal("supply.clog.detected",
		"Extrusion advancing with a flat buffer and a still encoder")

	SignalPauseRequested = capitan.NewSignal("supply.pause.requested",
		"Print pause requested from the print-management host")

	SignalRunoutDelegated = capitan.NewSignal("supply.runout.delegated",
		"Runout replacement handed to the print-management host")

	SignalMonitorsRestarted = capitan.NewSignal("supply.monitors.restarted",
		"Error state cleared and runout monitors re-armed")
)
