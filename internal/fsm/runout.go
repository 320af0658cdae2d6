package fsm

import "github.com/librescoot/librefsm"

// Runout states. StateArmed is a hierarchical parent covering every state in
// which a stop command must be honored.
const (
	StateStopped    librefsm.StateID = "stopped"
	StateArmed      librefsm.StateID = "armed"
	StateMonitoring librefsm.StateID = "monitoring"
	StateDetected   librefsm.StateID = "detected"
	StateCoasting   librefsm.StateID = "coasting"
	StateReloading  librefsm.StateID = "reloading"
	StatePaused     librefsm.StateID = "paused"
)

// Runout events
const (
	EvArm            librefsm.EventID = "arm"
	EvSpoolEmpty     librefsm.EventID = "spool-empty"
	EvPauseDistance  librefsm.EventID = "pause-distance-reached"
	EvBufferConsumed librefsm.EventID = "buffer-consumed"
	EvReloadOK       librefsm.EventID = "reload-succeeded"
	EvReloadFailed   librefsm.EventID = "reload-failed"
	EvStop           librefsm.EventID = "stop"
)

// RunoutActions is implemented by the coordinator's per-sensor runout monitor.
type RunoutActions interface {
	OnArmed(c *librefsm.Context) error          // reset position bookkeeping
	OnRunoutDetected(c *librefsm.Context) error // record pause-distance reference, notify lane host
	OnCoastStart(c *librefsm.Context) error     // stop follower, record coast-start position
	OnReloadSucceeded(c *librefsm.Context) error
	OnRunoutPaused(c *librefsm.Context) error // request a print pause
}

// NewRunoutDefinition creates the runout machine for one sensor. The reload
// callback is not a state action: the coordinator runs it synchronously in
// the tick that sends EvBufferConsumed, then reports the outcome with
// EvReloadOK or EvReloadFailed.
func NewRunoutDefinition(actions RunoutActions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateStopped).
		State(StateArmed).
		State(StateMonitoring,
			librefsm.WithParent(StateArmed),
			librefsm.WithOnEnter(actions.OnArmed),
		).
		State(StateDetected,
			librefsm.WithParent(StateArmed),
		).
		State(StateCoasting,
			librefsm.WithParent(StateArmed),
		).
		State(StateReloading,
			librefsm.WithParent(StateArmed),
		).
		State(StatePaused,
			librefsm.WithOnEnter(actions.OnRunoutPaused),
		).
		Transition(StateStopped, EvArm, StateMonitoring).
		Transition(StateMonitoring, EvSpoolEmpty, StateDetected,
			librefsm.WithAction(actions.OnRunoutDetected),
		).
		Transition(StateDetected, EvPauseDistance, StateCoasting,
			librefsm.WithAction(actions.OnCoastStart),
		).
		Transition(StateCoasting, EvBufferConsumed, StateReloading).
		Transition(StateReloading, EvReloadOK, StateMonitoring,
			librefsm.WithAction(actions.OnReloadSucceeded),
		).
		Transition(StateReloading, EvReloadFailed, StatePaused).
		Transition(StateArmed, EvStop, StateStopped).
		Transition(StatePaused, EvStop, StateStopped).
		Transition(StatePaused, EvArm, StateMonitoring).
		Initial(StateStopped)
}
