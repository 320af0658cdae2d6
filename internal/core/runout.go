package core

import (
	"context"
	"fmt"
	"time"

	"github.com/librescoot/librefsm"
	"github.com/zoobzio/clockz"

	"supply-service/internal/config"
	"supply-service/internal/fsm"
	"supply-service/internal/logger"
	"supply-service/internal/types"
)

// RunoutMonitor drives the detect / coast / reload sequence for one sensor.
// The coordinator supplies the side effects as closures so the monitor stays
// testable without a live lane host.
type RunoutMonitor struct {
	sensor   string
	log      *logger.Logger
	clock    clockz.Clock
	fps      *FPSState
	pressure PressureSensor
	tuning   *config.Tuning

	machine *librefsm.Machine

	notifyDetected func(spool Spool, position float64)
	reload         func() (bool, string)
	pause          func(reason string)

	// Position bookkeeping, valid between detection and the next re-arm.
	runoutSpool        Spool
	runoutPosition     float64
	coastStartPosition float64
	failureMessage     string
}

// NewRunoutMonitor builds the runout machine for one sensor. It starts
// stopped; Arm begins monitoring.
func NewRunoutMonitor(
	sensor string,
	clock clockz.Clock,
	log *logger.Logger,
	fps *FPSState,
	pressure PressureSensor,
	tuning *config.Tuning,
	notifyDetected func(spool Spool, position float64),
	reload func() (bool, string),
	pause func(reason string),
) (*RunoutMonitor, error) {
	m := &RunoutMonitor{
		sensor:         sensor,
		log:            log,
		clock:          clock,
		fps:            fps,
		pressure:       pressure,
		tuning:         tuning,
		notifyDetected: notifyDetected,
		reload:         reload,
		pause:          pause,
	}

	machine, err := fsm.NewRunoutDefinition(m).Build()
	if err != nil {
		return nil, fmt.Errorf("sensor %s: build runout machine: %w", sensor, err)
	}
	m.machine = machine

	machine.OnStateChange(func(from, to librefsm.StateID) {
		log.Debugf("Runout state %s -> %s", from, to)
	})

	return m, nil
}

func (m *RunoutMonitor) Start(ctx context.Context) error {
	return m.machine.Start(ctx)
}

// State maps the machine state onto the published runout state.
func (m *RunoutMonitor) State() types.RunoutState {
	switch m.machine.CurrentState() {
	case fsm.StateMonitoring:
		return types.RunoutMonitoring
	case fsm.StateDetected:
		return types.RunoutDetected
	case fsm.StateCoasting:
		return types.RunoutCoasting
	case fsm.StateReloading:
		return types.RunoutReloading
	case fsm.StatePaused:
		return types.RunoutPaused
	default:
		return types.RunoutStopped
	}
}

// Arm starts (or re-arms after a pause) monitoring. A no-op while the
// sequence is in flight.
func (m *RunoutMonitor) Arm() {
	switch m.machine.CurrentState() {
	case fsm.StateStopped, fsm.StatePaused:
		if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvArm}); err != nil {
			m.log.Errorf("Arming runout monitor: %v", err)
		}
	}
}

// Stop halts monitoring from any state.
func (m *RunoutMonitor) Stop() {
	if m.machine.CurrentState() == fsm.StateStopped {
		return
	}
	if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvStop}); err != nil {
		m.log.Errorf("Stopping runout monitor: %v", err)
	}
}

// OnArmed resets the position bookkeeping when monitoring (re)starts.
func (m *RunoutMonitor) OnArmed(c *librefsm.Context) error {
	m.runoutSpool = Spool{}
	m.runoutPosition = 0
	m.coastStartPosition = 0
	m.failureMessage = ""
	return nil
}

// OnRunoutDetected notifies the lane host. The position reference was
// recorded by the tick before it sent the event.
func (m *RunoutMonitor) OnRunoutDetected(c *librefsm.Context) error {
	m.log.Infof("Runout detected on %s at extruder position %.1fmm",
		m.runoutSpool, m.runoutPosition)
	m.notifyDetected(m.runoutSpool, m.runoutPosition)
	return nil
}

// OnCoastStart disengages the follower so the empty spool stops being
// driven while the buffer drains.
func (m *RunoutMonitor) OnCoastStart(c *librefsm.Context) error {
	if m.fps.following && m.fps.feeder != nil {
		if err := m.fps.feeder.SetFollower(false, m.fps.direction); err != nil {
			m.log.Errorf("Disengaging follower for coast: %v", err)
		} else {
			m.fps.following = false
		}
	}
	m.log.Infof("Coasting on buffered filament, %.1fmm consumed since runout",
		m.coastStartPosition-m.runoutPosition)
	return nil
}

func (m *RunoutMonitor) OnReloadSucceeded(c *librefsm.Context) error {
	m.log.Infof("Runout reload complete, monitoring re-armed")
	return nil
}

// OnRunoutPaused requests a print pause. Entering paused happens exactly
// once per failed sequence, so the pause request cannot repeat.
func (m *RunoutMonitor) OnRunoutPaused(c *librefsm.Context) error {
	reason := m.failureMessage
	if reason == "" {
		reason = "runout reload failed"
	}
	m.pause(fmt.Sprintf("Filament runout on %s: %s", m.sensor, reason))
	return nil
}

// Tick advances the runout sequence one scheduler step. Only the state the
// machine is currently in is examined; the sequence never skips a stage
// within a single tick except for the synchronous reload that follows
// buffer exhaustion.
func (m *RunoutMonitor) Tick(now time.Time, printing bool) {
	switch m.machine.CurrentState() {
	case fsm.StateMonitoring:
		m.tickMonitoring(now, printing)
	case fsm.StateDetected:
		m.tickDetected()
	case fsm.StateCoasting:
		m.tickCoasting()
	}
}

func (m *RunoutMonitor) tickMonitoring(now time.Time, printing bool) {
	// A delegated lane switch is in the host's hands. Do not re-detect the
	// same empty bay until the window expires.
	if !m.fps.delegationUntil.IsZero() {
		if now.Before(m.fps.delegationUntil) {
			return
		}
		m.log.Infof("Delegation window expired, resuming runout monitoring")
		m.fps.delegationUntil = time.Time{}
	}

	if !printing {
		return
	}
	if m.fps.State() != types.LoadStateLoaded || m.fps.feeder == nil {
		return
	}

	loaded, err := m.fps.feeder.IsBayLoaded(m.fps.bay)
	if err != nil {
		m.log.Warnf("Bay %d loaded read failed, skipping tick: %v", m.fps.bay, err)
		return
	}
	if loaded {
		return
	}

	pos, err := m.pressure.ExtruderPosition()
	if err != nil {
		m.log.Warnf("Extruder position read failed, skipping tick: %v", err)
		return
	}

	m.runoutSpool = Spool{Feeder: m.fps.feeder, Bay: m.fps.bay}
	m.runoutPosition = pos
	if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvSpoolEmpty}); err != nil {
		m.log.Errorf("Runout detection event: %v", err)
	}
}

func (m *RunoutMonitor) tickDetected() {
	pos, err := m.pressure.ExtruderPosition()
	if err != nil {
		m.log.Warnf("Extruder position read failed, skipping tick: %v", err)
		return
	}
	if pos-m.runoutPosition < m.tuning.PauseDistanceMM {
		return
	}

	m.coastStartPosition = pos
	if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvPauseDistance}); err != nil {
		m.log.Errorf("Coast start event: %v", err)
	}
}

func (m *RunoutMonitor) tickCoasting() {
	pos, err := m.pressure.ExtruderPosition()
	if err != nil {
		m.log.Warnf("Extruder position read failed, skipping tick: %v", err)
		return
	}

	// Usable buffer is the filament path derated by the slack factor. The
	// reload must begin before the buffer tail reaches the extruder, with a
	// preload margin to cover the load itself.
	usable := m.runoutSpool.Feeder.FilamentPathLength() / m.tuning.SlackFactor
	consumed := (pos - m.coastStartPosition) + m.tuning.PauseDistanceMM
	if consumed+m.tuning.PreloadMarginMM < usable {
		return
	}

	if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvBufferConsumed}); err != nil {
		m.log.Errorf("Buffer consumed event: %v", err)
		return
	}

	ok, msg := m.reload()
	ev := fsm.EvReloadOK
	if !ok {
		m.failureMessage = msg
		ev = fsm.EvReloadFailed
	}
	if err := m.machine.SendSync(librefsm.Event{ID: ev}); err != nil {
		m.log.Errorf("Reload outcome event: %v", err)
	}
}
