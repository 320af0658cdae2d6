package fsm

import "github.com/librescoot/librefsm"

// Load states, one machine per buffer sensor.
const (
	StateUnloaded  librefsm.StateID = "unloaded"
	StateLoading   librefsm.StateID = "loading"
	StateLoaded    librefsm.StateID = "loaded"
	StateUnloading librefsm.StateID = "unloading"
)

// Load events
const (
	EvLoadRequested   librefsm.EventID = "load-requested"
	EvLoadSucceeded   librefsm.EventID = "load-succeeded"
	EvLoadFailed      librefsm.EventID = "load-failed"
	EvUnloadRequested librefsm.EventID = "unload-requested"
	EvUnloadSucceeded librefsm.EventID = "unload-succeeded"
	EvUnloadFailed    librefsm.EventID = "unload-failed"
	EvStallDetected   librefsm.EventID = "stall-detected"
)

// LoadActions is implemented by the coordinator's per-sensor state record.
// Entry/transition actions do the bookkeeping (spool selection, timestamps,
// accumulator resets, follower restore); the hardware calls themselves are
// driven by the coordinator around the machine.
type LoadActions interface {
	// Guards
	CanStartLoad(c *librefsm.Context) bool // a ready, unloaded bay exists in the target group

	// Transition actions
	OnLoadRequested(c *librefsm.Context) error   // select first available bay, record request time
	OnLoadCompleted(c *librefsm.Context) error   // record completion time, clear accumulators, follower forward
	OnLoadFailed(c *librefsm.Context) error      // clear group/feeder/bay
	OnLoadStalled(c *librefsm.Context) error     // rollback after a stall abort during loading
	OnUnloadRequested(c *librefsm.Context) error // record request time
	OnUnloadCompleted(c *librefsm.Context) error // clear group/feeder/bay
	OnUnloadFailed(c *librefsm.Context) error    // rollback, retain prior identifiers
	OnUnloadStalled(c *librefsm.Context) error   // rollback after a stall abort during unloading
}

// NewLoadDefinition creates the load-state machine for one sensor.
func NewLoadDefinition(actions LoadActions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateUnloaded).
		State(StateLoading).
		State(StateLoaded).
		State(StateUnloading).
		Transition(StateUnloaded, EvLoadRequested, StateLoading,
			librefsm.WithGuard(actions.CanStartLoad),
			librefsm.WithAction(actions.OnLoadRequested),
		).
		Transition(StateLoading, EvLoadSucceeded, StateLoaded,
			librefsm.WithAction(actions.OnLoadCompleted),
		).
		Transition(StateLoading, EvLoadFailed, StateUnloaded,
			librefsm.WithAction(actions.OnLoadFailed),
		).
		Transition(StateLoading, EvStallDetected, StateUnloaded,
			librefsm.WithAction(actions.OnLoadStalled),
		).
		Transition(StateLoaded, EvUnloadRequested, StateUnloading,
			librefsm.WithAction(actions.OnUnloadRequested),
		).
		Transition(StateUnloading, EvUnloadSucceeded, StateUnloaded,
			librefsm.WithAction(actions.OnUnloadCompleted),
		).
		Transition(StateUnloading, EvUnloadFailed, StateLoaded,
			librefsm.WithAction(actions.OnUnloadFailed),
		).
		Transition(StateUnloading, EvStallDetected, StateLoaded,
			librefsm.WithAction(actions.OnUnloadStalled),
		).
		Initial(StateUnloaded)
}
