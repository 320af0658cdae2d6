package core

import (
	"context"
	"fmt"
	"time"

	"github.com/librescoot/librefsm"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"

	"supply-service/internal/fsm"
	"supply-service/internal/logger"
	"supply-service/internal/types"
)

// stuckTracker accumulates low-pressure dwell time for the stuck-spool
// heuristic and remembers the follower state to restore on recovery.
type stuckTracker struct {
	Active           bool
	Start            time.Time
	Reported         bool
	RestoreFollower  bool
	RestoreDirection types.Direction
}

// clogTracker anchors one clog observation window: extruder and encoder
// positions at the anchor plus the pressure band seen since.
type clogTracker struct {
	Active        bool
	Start         time.Time
	StartExtruder float64
	StartEncoder  int64
	MinPressure   float64
	MaxPressure   float64
}

// FPSState is the per-sensor filament supply record: the load-state machine
// plus the identifiers and heuristic accumulators the monitors work on. All
// access happens on the coordinator goroutine.
type FPSState struct {
	sensor  string
	log     *logger.Logger
	clock   clockz.Clock
	machine *librefsm.Machine

	// Set for the duration of one load request so the guard and the
	// transition action can see the target group.
	pendingGroup *FilamentGroup

	// Valid while the machine is in loading, loaded or unloading.
	group  *FilamentGroup
	feeder FeederUnit
	bay    int
	since  time.Time

	// Follower bookkeeping mirrors the last SetFollower call.
	following bool
	direction types.Direction

	// Stall detection needs two consecutive encoder samples.
	encoderPrev int64
	encoderCur  int64
	haveSample  bool

	stuck stuckTracker
	clog  clogTracker

	// Post-load over-pressure watchdog.
	postLoadArmed bool
	overSince     time.Time

	// While set, runout monitoring is suppressed because a lane switch was
	// delegated to the print host.
	delegationUntil time.Time

	// Per-tick flag giving stuck-spool priority over clog.
	pausedThisTick bool
}

// NewFPSState builds the load-state machine for one sensor.
func NewFPSState(sensor string, clock clockz.Clock, log *logger.Logger) (*FPSState, error) {
	s := &FPSState{
		sensor: sensor,
		log:    log,
		clock:  clock,
		bay:    -1,
	}

	machine, err := fsm.NewLoadDefinition(s).Build()
	if err != nil {
		return nil, fmt.Errorf("sensor %s: build load machine: %w", sensor, err)
	}
	s.machine = machine

	machine.OnStateChange(func(from, to librefsm.StateID) {
		log.Infof("Load state %s -> %s", from, to)
		capitan.Emit(context.Background(), SignalStateChanged,
			KeySensor.Field(sensor),
			KeyOldState.Field(string(from)),
			KeyNewState.Field(string(to)),
		)
	})

	return s, nil
}

func (s *FPSState) Start(ctx context.Context) error {
	return s.machine.Start(ctx)
}

// State maps the machine state onto the published load state.
func (s *FPSState) State() types.LoadState {
	switch s.machine.CurrentState() {
	case fsm.StateLoading:
		return types.LoadStateLoading
	case fsm.StateLoaded:
		return types.LoadStateLoaded
	case fsm.StateUnloading:
		return types.LoadStateUnloading
	default:
		return types.LoadStateUnloaded
	}
}

func (s *FPSState) Sensor() string { return s.sensor }

// Snapshot renders the published per-sensor status.
func (s *FPSState) Snapshot(runout types.RunoutState) types.SensorSnapshot {
	snap := types.SensorSnapshot{
		Sensor: s.sensor,
		State:  s.State(),
		Bay:    s.bay,
		Since:  s.since,
		Runout: runout,
	}
	if s.group != nil {
		snap.Group = s.group.Name()
	}
	if s.feeder != nil {
		snap.Feeder = s.feeder.Name()
		if snap.State == types.LoadStateLoaded {
			snap.LoadWasRetry = s.feeder.LastLoadWasRetry(s.bay)
		}
	}
	return snap
}

// RequestLoad attempts the unloaded -> loading transition for the given
// group. The guard rejects it when the group has no available spool; the
// caller detects rejection by the state staying unloaded.
func (s *FPSState) RequestLoad(group *FilamentGroup) error {
	s.pendingGroup = group
	err := s.machine.SendSync(librefsm.Event{ID: fsm.EvLoadRequested})
	s.pendingGroup = nil
	return err
}

func (s *FPSState) RequestUnload() error {
	return s.machine.SendSync(librefsm.Event{ID: fsm.EvUnloadRequested})
}

func (s *FPSState) Complete(ev librefsm.EventID) error {
	return s.machine.SendSync(librefsm.Event{ID: ev})
}

// CanStartLoad is the loading guard: the target group must have a bay that
// reads ready and not loaded.
func (s *FPSState) CanStartLoad(c *librefsm.Context) bool {
	if s.pendingGroup == nil {
		return false
	}
	_, ok := s.pendingGroup.NextAvailableSpool()
	return ok
}

// OnLoadRequested binds the first available spool of the pending group.
func (s *FPSState) OnLoadRequested(c *librefsm.Context) error {
	spool, ok := s.pendingGroup.NextAvailableSpool()
	if !ok {
		return fmt.Errorf("group %s: no available spool", s.pendingGroup.Name())
	}
	s.group = s.pendingGroup
	s.feeder = spool.Feeder
	s.bay = spool.Bay
	s.since = s.clock.Now()
	s.resetStallSamples()
	return nil
}

// OnLoadCompleted engages the follower forward, clears the heuristic
// accumulators and arms the post-load pressure watchdog.
func (s *FPSState) OnLoadCompleted(c *librefsm.Context) error {
	s.since = s.clock.Now()
	s.resetStallSamples()
	s.stuck = stuckTracker{}
	s.clog = clogTracker{}

	if err := s.feeder.SetFollower(true, types.DirectionForward); err != nil {
		s.log.Errorf("Engaging follower after load: %v", err)
	} else {
		s.following = true
		s.direction = types.DirectionForward
	}

	s.postLoadArmed = true
	s.overSince = time.Time{}
	return nil
}

func (s *FPSState) OnLoadFailed(c *librefsm.Context) error {
	s.clearIdentifiers()
	return nil
}

func (s *FPSState) OnLoadStalled(c *librefsm.Context) error {
	s.clearIdentifiers()
	return nil
}

func (s *FPSState) OnUnloadRequested(c *librefsm.Context) error {
	s.since = s.clock.Now()
	s.resetStallSamples()
	s.postLoadArmed = false
	if s.following {
		if err := s.feeder.SetFollower(false, s.direction); err != nil {
			s.log.Errorf("Disengaging follower before unload: %v", err)
		} else {
			s.following = false
		}
	}
	return nil
}

func (s *FPSState) OnUnloadCompleted(c *librefsm.Context) error {
	s.clearIdentifiers()
	return nil
}

// OnUnloadFailed rolls back to loaded with the identifiers intact. The
// filament is presumed still seated.
func (s *FPSState) OnUnloadFailed(c *librefsm.Context) error {
	s.since = s.clock.Now()
	return nil
}

func (s *FPSState) OnUnloadStalled(c *librefsm.Context) error {
	s.since = s.clock.Now()
	return nil
}

// clearIdentifiers drops the active spool. The stuck tracker goes with it:
// recovery needs a feeder to restore, and that spool is gone.
func (s *FPSState) clearIdentifiers() {
	s.group = nil
	s.feeder = nil
	s.bay = -1
	s.since = s.clock.Now()
	s.resetStallSamples()
	s.stuck = stuckTracker{}
	s.postLoadArmed = false
}

func (s *FPSState) resetStallSamples() {
	s.haveSample = false
	s.encoderPrev = 0
	s.encoderCur = 0
}

// ClearAccumulators wipes every heuristic tracker. Used by clear-errors.
func (s *FPSState) ClearAccumulators() {
	s.resetStallSamples()
	s.stuck = stuckTracker{}
	s.clog = clogTracker{}
	s.postLoadArmed = false
	s.overSince = time.Time{}
	s.delegationUntil = time.Time{}
}

// ForceLoaded rewrites the machine to loaded from observed hardware truth,
// bypassing transitions. Used by clear-errors recovery.
func (s *FPSState) ForceLoaded(group *FilamentGroup, spool Spool) {
	if err := s.machine.SetState(fsm.StateLoaded); err != nil {
		s.log.Errorf("Forcing loaded state: %v", err)
	}
	s.group = group
	s.feeder = spool.Feeder
	s.bay = spool.Bay
	s.since = s.clock.Now()
	s.ClearAccumulators()
}

// ForceUnloaded rewrites the machine to unloaded. Used by clear-errors
// recovery when no bay in any owning group reads loaded.
func (s *FPSState) ForceUnloaded() {
	if err := s.machine.SetState(fsm.StateUnloaded); err != nil {
		s.log.Errorf("Forcing unloaded state: %v", err)
	}
	s.clearIdentifiers()
	s.ClearAccumulators()
}
