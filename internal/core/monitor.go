package core

import (
	"fmt"
	"time"

	"github.com/zoobzio/capitan"

	"supply-service/internal/fsm"
	"supply-service/internal/types"
)

// ClogProfile is one sensitivity tier for the clog heuristic. A clog is
// declared when at least MinExtrusionMM of extruder feed accumulates inside
// one observation window whose encoder moved no more than MaxEncoderMovement
// clicks and whose pressure stayed inside MaxPressureBand, for MinDwell.
type ClogProfile struct {
	Name               string
	MinExtrusionMM     float64
	MaxEncoderMovement int64
	MaxPressureBand    float64
	MinDwell           time.Duration
}

var clogProfiles = map[string]ClogProfile{
	"low":    {Name: "low", MinExtrusionMM: 36, MaxEncoderMovement: 12, MaxPressureBand: 0.10, MinDwell: 12 * time.Second},
	"medium": {Name: "medium", MinExtrusionMM: 24, MaxEncoderMovement: 8, MaxPressureBand: 0.06, MinDwell: 8 * time.Second},
	"high":   {Name: "high", MinExtrusionMM: 16, MaxEncoderMovement: 5, MaxPressureBand: 0.04, MinDwell: 5 * time.Second},
}

// checkStall watches for a still encoder during a load or unload. The abort
// fails the blocking hardware command; the machine rolls back immediately so
// the abort fires exactly once per stall.
func (c *SupplyCoordinator) checkStall(rt *sensorRuntime, now time.Time) {
	fps := rt.fps
	if now.Sub(fps.since) < c.tuning.StallGrace.Std() {
		return
	}

	clicks, err := fps.feeder.EncoderClicks()
	if err != nil {
		rt.log.Warnf("Encoder read failed, skipping tick: %v", err)
		return
	}
	if !fps.haveSample {
		fps.encoderPrev = clicks
		fps.encoderCur = clicks
		fps.haveSample = true
		return
	}
	fps.encoderPrev = fps.encoderCur
	fps.encoderCur = clicks

	delta := fps.encoderCur - fps.encoderPrev
	if delta < 0 {
		delta = -delta
	}
	if delta >= c.tuning.MinEncoderProgress {
		return
	}

	state := fps.State()
	feeder, bay := fps.feeder, fps.bay
	rt.log.Errorf("Stall during %s on %s bay %d: encoder moved %d clicks, deferring retry to the feeder driver",
		state, feeder.Name(), bay, delta)

	if err := feeder.AbortCurrentAction(); err != nil {
		rt.log.Errorf("Aborting stalled action: %v", err)
	}
	if err := feeder.SetLedError(bay, true); err != nil {
		rt.log.Errorf("Setting bay error LED: %v", err)
	}
	fps.stuck.Active = true
	fps.stuck.Start = now

	capitan.Emit(c.ctx, SignalStallDetected,
		KeySensor.Field(rt.name),
		KeyFeeder.Field(feeder.Name()),
		KeyBay.Field(bay),
		KeyOldState.Field(string(state)),
	)
	c.reportFault(FaultStall, "filament stall",
		fmt.Sprintf("%s bay %d during %s", feeder.Name(), bay, state))

	if err := fps.Complete(fsm.EvStallDetected); err != nil {
		rt.log.Errorf("Stall rollback event: %v", err)
	}
	c.publishSensor(rt)
}

// checkStuckSpool accumulates low-pressure dwell while the follower feeds
// forward. A declared stuck spool pauses the print once, stops the follower
// remembering its state, and keeps the print paused until pressure recovers
// or printing resumes.
func (c *SupplyCoordinator) checkStuckSpool(rt *sensorRuntime, now time.Time, printing bool) {
	fps := rt.fps

	value, err := rt.pressure.Value()
	if err != nil {
		rt.log.Warnf("Pressure read failed, skipping tick: %v", err)
		return
	}

	if value > c.tuning.StuckPressureThreshold {
		if fps.stuck.Reported {
			c.recoverStuck(rt)
		} else {
			fps.stuck = stuckTracker{}
		}
		return
	}

	if !printing || !fps.following || fps.direction != types.DirectionForward {
		return
	}
	if now.Sub(fps.feeder.LastSuccessfulLoadTime(fps.bay)) < c.tuning.PostLoadGrace.Std() {
		return
	}

	if !fps.stuck.Active {
		fps.stuck.Active = true
		fps.stuck.Start = now
		return
	}
	if fps.stuck.Reported || now.Sub(fps.stuck.Start) < c.tuning.StuckDwell.Std() {
		return
	}

	rt.log.Errorf("Stuck spool on %s bay %d: pressure %.2f at or below %.2f for %s",
		fps.feeder.Name(), fps.bay, value,
		c.tuning.StuckPressureThreshold, now.Sub(fps.stuck.Start))

	fps.stuck.RestoreFollower = fps.following
	fps.stuck.RestoreDirection = fps.direction
	if err := fps.feeder.SetFollower(false, fps.direction); err != nil {
		rt.log.Errorf("Stopping follower for stuck spool: %v", err)
	} else {
		fps.following = false
	}
	if err := fps.feeder.AbortCurrentAction(); err != nil {
		rt.log.Errorf("Aborting feeder action for stuck spool: %v", err)
	}
	if err := fps.feeder.SetLedError(fps.bay, true); err != nil {
		rt.log.Errorf("Setting bay error LED: %v", err)
	}
	fps.stuck.Reported = true
	fps.pausedThisTick = true

	capitan.Emit(c.ctx, SignalStuckSpoolDetected,
		KeySensor.Field(rt.name),
		KeyFeeder.Field(fps.feeder.Name()),
		KeyBay.Field(fps.bay),
		KeyDwell.Field(now.Sub(fps.stuck.Start)),
	)
	c.reportFault(FaultStuckSpool, "stuck spool",
		fmt.Sprintf("%s bay %d pressure %.2f", fps.feeder.Name(), fps.bay, value))
	c.requestPause(rt, fmt.Sprintf(
		"Stuck spool on %s bay %d: buffer pressure %.2f stayed at or below %.2f",
		fps.feeder.Name(), fps.bay, value, c.tuning.StuckPressureThreshold))
}

// recoverStuck restores the follower state remembered at declaration and
// retracts the fault.
func (c *SupplyCoordinator) recoverStuck(rt *sensorRuntime) {
	fps := rt.fps
	rt.log.Infof("Stuck spool on %s bay %d recovered, restoring follower",
		fps.feeder.Name(), fps.bay)

	if fps.stuck.RestoreFollower {
		if err := fps.feeder.SetFollower(true, fps.stuck.RestoreDirection); err != nil {
			rt.log.Errorf("Restoring follower: %v", err)
		} else {
			fps.following = true
			fps.direction = fps.stuck.RestoreDirection
		}
	}
	if err := fps.feeder.SetLedError(fps.bay, false); err != nil {
		rt.log.Errorf("Clearing bay error LED: %v", err)
	}
	c.retractFault(FaultStuckSpool)
	fps.stuck = stuckTracker{}
}

// checkClog looks for extrusion advancing against a flat buffer and a still
// encoder. The observation window re-anchors whenever the extruder regresses
// (retraction or homing), the encoder moves past its bound, or pressure
// leaves the allowed band. The check runs only while the follower feeds
// forward: with the follower idle the encoder is expected still and the
// correlation carries no signal.
func (c *SupplyCoordinator) checkClog(rt *sensorRuntime, now time.Time, printing bool) {
	fps := rt.fps
	if fps.pausedThisTick || fps.stuck.Reported || !printing {
		return
	}
	if !fps.following || fps.direction != types.DirectionForward {
		return
	}

	value, err := rt.pressure.Value()
	if err != nil {
		rt.log.Warnf("Pressure read failed, skipping tick: %v", err)
		return
	}
	pos, err := rt.pressure.ExtruderPosition()
	if err != nil {
		rt.log.Warnf("Extruder position read failed, skipping tick: %v", err)
		return
	}
	clicks, err := fps.feeder.EncoderClicks()
	if err != nil {
		rt.log.Warnf("Encoder read failed, skipping tick: %v", err)
		return
	}

	tr := &fps.clog
	if !tr.Active || pos < tr.StartExtruder {
		c.anchorClog(tr, now, pos, clicks, value)
		return
	}

	if value < tr.MinPressure {
		tr.MinPressure = value
	}
	if value > tr.MaxPressure {
		tr.MaxPressure = value
	}

	encDelta := clicks - tr.StartEncoder
	if encDelta < 0 {
		encDelta = -encDelta
	}
	profile := rt.profile
	if encDelta > profile.MaxEncoderMovement || tr.MaxPressure-tr.MinPressure > profile.MaxPressureBand {
		c.anchorClog(tr, now, pos, clicks, value)
		return
	}

	extruded := pos - tr.StartExtruder
	if extruded < profile.MinExtrusionMM || now.Sub(tr.Start) < profile.MinDwell {
		return
	}

	rt.log.Errorf("Clog suspected on %s: %.1fmm extruded, encoder moved %d clicks, pressure band %.2f..%.2f",
		rt.name, extruded, encDelta, tr.MinPressure, tr.MaxPressure)

	if err := fps.feeder.SetLedError(fps.bay, true); err != nil {
		rt.log.Errorf("Setting bay error LED: %v", err)
	}
	fps.pausedThisTick = true

	capitan.Emit(c.ctx, SignalClogDetected,
		KeySensor.Field(rt.name),
		KeyFeeder.Field(fps.feeder.Name()),
		KeyBay.Field(fps.bay),
		KeyDwell.Field(now.Sub(tr.Start)),
	)
	c.reportFault(FaultClog, "clog suspected",
		fmt.Sprintf("%s extruded %.1fmm against encoder delta %d", rt.name, extruded, encDelta))
	c.requestPause(rt, fmt.Sprintf(
		"Clog suspected on %s: %.1fmm extruded while the feeder encoder moved %d clicks (pressure %.2f..%.2f)",
		rt.name, extruded, encDelta, tr.MinPressure, tr.MaxPressure))

	c.anchorClog(tr, now, pos, clicks, value)
}

func (c *SupplyCoordinator) anchorClog(tr *clogTracker, now time.Time, pos float64, clicks int64, value float64) {
	*tr = clogTracker{
		Active:        true,
		Start:         now,
		StartExtruder: pos,
		StartEncoder:  clicks,
		MinPressure:   value,
		MaxPressure:   value,
	}
}

// checkPostLoadPressure is the clog-at-load watchdog armed by a successful
// load. Pressure pinned above the over-pressure threshold continuously for
// the dwell means the fresh filament jammed before reaching the buffer. Any
// sample at or below the threshold proves the path is clear and disarms.
func (c *SupplyCoordinator) checkPostLoadPressure(rt *sensorRuntime, now time.Time) {
	fps := rt.fps
	if !fps.postLoadArmed || fps.pausedThisTick {
		return
	}

	value, err := rt.pressure.Value()
	if err != nil {
		rt.log.Warnf("Pressure read failed, skipping tick: %v", err)
		return
	}

	if value <= c.tuning.OverPressureThreshold {
		fps.postLoadArmed = false
		fps.overSince = time.Time{}
		return
	}

	if fps.overSince.IsZero() {
		fps.overSince = now
		return
	}
	if now.Sub(fps.overSince) < c.tuning.OverPressureDwell.Std() {
		return
	}

	rt.log.Errorf("Over-pressure after load on %s bay %d: %.2f above %.2f for %s",
		fps.feeder.Name(), fps.bay, value,
		c.tuning.OverPressureThreshold, now.Sub(fps.overSince))

	if err := fps.feeder.SetLedError(fps.bay, true); err != nil {
		rt.log.Errorf("Setting bay error LED: %v", err)
	}
	fps.postLoadArmed = false
	fps.overSince = time.Time{}
	fps.pausedThisTick = true

	capitan.Emit(c.ctx, SignalClogDetected,
		KeySensor.Field(rt.name),
		KeyFeeder.Field(fps.feeder.Name()),
		KeyBay.Field(fps.bay),
	)
	c.reportFault(FaultClog, "clog at load",
		fmt.Sprintf("%s bay %d pressure %.2f after load", fps.feeder.Name(), fps.bay, value))
	c.requestPause(rt, fmt.Sprintf(
		"Filament jam after load on %s bay %d: buffer pressure held at %.2f",
		fps.feeder.Name(), fps.bay, value))
}
