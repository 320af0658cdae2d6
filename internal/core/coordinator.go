package core

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"

	"supply-service/internal/config"
	"supply-service/internal/fsm"
	"supply-service/internal/logger"
	"supply-service/internal/types"
)

// sensorRuntime bundles everything the coordinator tracks for one buffer
// sensor.
type sensorRuntime struct {
	name     string
	log      *logger.Logger
	pressure PressureSensor
	fps      *FPSState
	runout   *RunoutMonitor
	profile  ClogProfile
}

type commandKind int

const (
	cmdLoad commandKind = iota
	cmdUnload
	cmdFollower
	cmdClearErrors
)

func (k commandKind) String() string {
	switch k {
	case cmdLoad:
		return "load"
	case cmdUnload:
		return "unload"
	case cmdFollower:
		return "set-follower"
	default:
		return "clear-errors"
	}
}

type cmdResult struct {
	OK      bool
	Message string
}

type command struct {
	kind      commandKind
	group     string
	sensor    string
	enable    bool
	direction types.Direction
	reply     chan cmdResult
}

type opKind int

const (
	opLoad opKind = iota
	opUnload
)

// completion carries the outcome of a blocking hardware command back onto
// the scheduler goroutine.
type completion struct {
	sensor  string
	kind    opKind
	ok      bool
	message string
	reply   chan cmdResult
}

// Dependencies collects everything NewSupplyCoordinator needs.
type Dependencies struct {
	Logger  *logger.Logger
	Clock   clockz.Clock
	Config  *config.Config
	Feeders map[string]FeederUnit
	Sensors map[string]PressureSensor
	Lanes   LaneManager
	Redis   MessagingClient

	// Optional: topology rebuild requests from the config watcher.
	TopologyUpdates <-chan *config.Config
}

// SupplyCoordinator owns all per-sensor state. Everything it tracks is
// mutated on a single scheduler goroutine: ticks, command handling, hardware
// completions and topology rebuilds all run there, so the heuristics and
// machines never need locks.
type SupplyCoordinator struct {
	log    *logger.Logger
	clock  clockz.Clock
	tuning config.Tuning

	feeders     map[string]FeederUnit
	feederOrder []string
	lanes       LaneManager
	redis       MessagingClient

	sensors     map[string]*sensorRuntime
	sensorOrder []string
	groups      map[string]*FilamentGroup
	groupOrder  []string
	groupSensor map[string]string

	// laneIndex maps every known spool to its host-registry lane.
	laneIndex map[types.SpoolRef]string

	commands    chan command
	completions chan completion
	topology    <-chan *config.Config

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	wasPrinting bool
}

// NewSupplyCoordinator validates the configured topology and builds the
// per-sensor machines. Bad group or sensor wiring is fatal here.
func NewSupplyCoordinator(deps Dependencies) (*SupplyCoordinator, error) {
	clock := deps.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	c := &SupplyCoordinator{
		log:         deps.Logger,
		clock:       clock,
		tuning:      deps.Config.Tuning,
		feeders:     deps.Feeders,
		lanes:       deps.Lanes,
		redis:       deps.Redis,
		sensors:     make(map[string]*sensorRuntime),
		laneIndex:   make(map[types.SpoolRef]string),
		commands:    make(chan command),
		completions: make(chan completion),
		topology:    deps.TopologyUpdates,
		ctx:         context.Background(),
		done:        make(chan struct{}),
	}

	for name := range deps.Feeders {
		c.feederOrder = append(c.feederOrder, name)
	}

	for _, sc := range deps.Config.Sensors {
		pressure, ok := deps.Sensors[sc.Name]
		if !ok {
			return nil, fmt.Errorf("sensor %s: no pressure sensor driver", sc.Name)
		}

		log := deps.Logger.WithTag(sc.Name)
		fps, err := NewFPSState(sc.Name, clock, log)
		if err != nil {
			return nil, err
		}

		name := sc.Name
		runout, err := NewRunoutMonitor(name, clock, log, fps, pressure, &c.tuning,
			func(spool Spool, position float64) { c.notifyRunout(name, spool, position) },
			func() (bool, string) { return c.reloadSensor(c.sensors[name]) },
			func(reason string) { c.requestPause(c.sensors[name], reason) },
		)
		if err != nil {
			return nil, err
		}

		c.sensors[name] = &sensorRuntime{
			name:     name,
			log:      log,
			pressure: pressure,
			fps:      fps,
			runout:   runout,
			profile:  clogProfiles[sc.ClogProfile],
		}
		c.sensorOrder = append(c.sensorOrder, name)
	}

	groups, order, groupSensor, err := c.buildGroups(deps.Config)
	if err != nil {
		return nil, err
	}
	c.groups, c.groupOrder, c.groupSensor = groups, order, groupSensor

	return c, nil
}

// buildGroups resolves the group declarations and binds each group to the
// one sensor that shares a feeder with it.
func (c *SupplyCoordinator) buildGroups(cfg *config.Config) (map[string]*FilamentGroup, []string, map[string]string, error) {
	groups := make(map[string]*FilamentGroup, len(cfg.Groups))
	order := make([]string, 0, len(cfg.Groups))
	groupSensor := make(map[string]string, len(cfg.Groups))

	for _, gc := range cfg.Groups {
		group, err := NewFilamentGroup(gc.Name, gc.Spools, c.feeders)
		if err != nil {
			return nil, nil, nil, err
		}
		groups[gc.Name] = group
		order = append(order, gc.Name)

		sensor := ""
		for _, sc := range cfg.Sensors {
			if sharesFeeder(sc.Feeders, group.FeederNames()) {
				sensor = sc.Name
				break
			}
		}
		if sensor == "" {
			return nil, nil, nil, fmt.Errorf("group %s: no sensor shares a feeder with it", gc.Name)
		}
		groupSensor[gc.Name] = sensor
	}

	return groups, order, groupSensor, nil
}

func sharesFeeder(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Start brings up the machines, reconciles initial state from hardware, and
// launches the scheduler goroutine.
func (c *SupplyCoordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel = ctx, cancel

	for _, name := range c.sensorOrder {
		rt := c.sensors[name]
		if err := rt.fps.Start(ctx); err != nil {
			return fmt.Errorf("sensor %s: start load machine: %w", name, err)
		}
		if err := rt.runout.Start(ctx); err != nil {
			return fmt.Errorf("sensor %s: start runout machine: %w", name, err)
		}
	}

	c.rebuildLaneIndex()

	for _, name := range c.sensorOrder {
		rt := c.sensors[name]
		c.reconcileSensor(rt)
		rt.runout.Arm()
		c.publishSensor(rt)
	}
	for _, name := range c.feederOrder {
		c.publishFeeder(c.feeders[name])
	}

	go c.run(ctx)
	return nil
}

// Stop halts the scheduler and waits for it to drain.
func (c *SupplyCoordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// run is the scheduler loop. One goroutine, one select: periodic ticks,
// operator commands, hardware completions and topology rebuilds are all
// serialized here.
func (c *SupplyCoordinator) run(ctx context.Context) {
	defer close(c.done)

	poll := c.tuning.PollInterval.Std()
	timer := c.clock.NewTimer(poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			c.tickAll()
			timer.Reset(poll)
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case comp := <-c.completions:
			c.handleCompletion(comp)
		case cfg, ok := <-c.topology:
			if !ok {
				c.topology = nil
				continue
			}
			c.rebuildTopology(cfg)
		}
	}
}

// tickAll runs one scheduler tick over every sensor in configuration order.
func (c *SupplyCoordinator) tickAll() {
	now := c.clock.Now()
	printing, err := c.lanes.IsPrinting()
	if err != nil {
		c.log.Debugf("Print state read failed, treating as not printing: %v", err)
		printing = false
	}

	for _, name := range c.sensorOrder {
		c.tickSensor(c.sensors[name], now, printing)
	}
	c.wasPrinting = printing
}

func (c *SupplyCoordinator) tickSensor(rt *sensorRuntime, now time.Time, printing bool) {
	fps := rt.fps
	fps.pausedThisTick = false

	// A print resume counts as stuck-spool recovery even with pressure
	// still low: the operator decided to continue.
	if printing && !c.wasPrinting && fps.stuck.Reported {
		c.recoverStuck(rt)
	}

	switch fps.State() {
	case types.LoadStateLoading, types.LoadStateUnloading:
		c.checkStall(rt, now)
	case types.LoadStateLoaded:
		if fps.feeder != nil {
			c.checkStuckSpool(rt, now, printing)
			c.checkClog(rt, now, printing)
			c.checkPostLoadPressure(rt, now)
		}
	}

	rt.runout.Tick(now, printing)
}

// --- Public command surface -------------------------------------------------

// Load starts loading the first available spool of the named group. Blocks
// until the hardware finishes or the request is rejected.
func (c *SupplyCoordinator) Load(group string) (bool, string) {
	return c.submit(command{kind: cmdLoad, group: group})
}

// Unload ejects the sensor's current spool.
func (c *SupplyCoordinator) Unload(sensor string) (bool, string) {
	return c.submit(command{kind: cmdUnload, sensor: sensor})
}

// SetFollower manually drives the sensor's follower motor.
func (c *SupplyCoordinator) SetFollower(sensor string, enable bool, direction types.Direction) (bool, string) {
	return c.submit(command{kind: cmdFollower, sensor: sensor, enable: enable, direction: direction})
}

// ClearErrors wipes every heuristic accumulator, recomputes load state from
// hardware truth and re-arms the runout monitors.
func (c *SupplyCoordinator) ClearErrors() (bool, string) {
	return c.submit(command{kind: cmdClearErrors})
}

func (c *SupplyCoordinator) submit(cmd command) (bool, string) {
	cmd.reply = make(chan cmdResult, 1)
	select {
	case c.commands <- cmd:
	case <-c.ctx.Done():
		return false, "coordinator stopped"
	}
	select {
	case res := <-cmd.reply:
		return res.OK, res.Message
	case <-c.ctx.Done():
		return false, "coordinator stopped"
	}
}

// --- Command handling (scheduler goroutine) ---------------------------------

func (c *SupplyCoordinator) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdLoad:
		c.handleLoad(cmd)
	case cmdUnload:
		c.handleUnload(cmd)
	case cmdFollower:
		c.handleFollower(cmd)
	case cmdClearErrors:
		c.handleClearErrors(cmd)
	}
}

func (c *SupplyCoordinator) reject(cmd command, message string) {
	c.log.Warnf("Rejecting %s: %s", cmd.kind, message)
	cmd.reply <- cmdResult{OK: false, Message: message}
	if err := c.redis.PublishCommandResult(cmd.kind.String(), false, message); err != nil {
		c.log.Errorf("Publishing command result: %v", err)
	}
}

func (c *SupplyCoordinator) handleLoad(cmd command) {
	group, ok := c.groups[cmd.group]
	if !ok {
		c.reject(cmd, fmt.Sprintf("unknown group %q", cmd.group))
		return
	}
	rt := c.sensors[c.groupSensor[cmd.group]]

	switch st := rt.fps.State(); st {
	case types.LoadStateLoading, types.LoadStateUnloading:
		c.reject(cmd, fmt.Sprintf("sensor %s busy (%s)", rt.name, st))
		return
	case types.LoadStateLoaded:
		c.reject(cmd, fmt.Sprintf("sensor %s already loaded from group %s", rt.name, rt.fps.group.Name()))
		return
	}

	if err := rt.fps.RequestLoad(group); err != nil {
		rt.log.Errorf("Load request event: %v", err)
	}
	if rt.fps.State() != types.LoadStateLoading {
		c.reject(cmd, fmt.Sprintf("no available spool in group %s", group.Name()))
		return
	}
	c.publishSensor(rt)

	feeder, bay := rt.fps.feeder, rt.fps.bay
	rt.log.Infof("Loading group %s from %s bay %d", group.Name(), feeder.Name(), bay)
	go func() {
		ok, msg := feeder.LoadSpoolWithRetry(bay)
		select {
		case c.completions <- completion{sensor: rt.name, kind: opLoad, ok: ok, message: msg, reply: cmd.reply}:
		case <-c.ctx.Done():
		}
	}()
}

func (c *SupplyCoordinator) handleUnload(cmd command) {
	rt, ok := c.sensors[cmd.sensor]
	if !ok {
		c.reject(cmd, fmt.Sprintf("unknown sensor %q", cmd.sensor))
		return
	}

	switch st := rt.fps.State(); st {
	case types.LoadStateLoading, types.LoadStateUnloading:
		c.reject(cmd, fmt.Sprintf("sensor %s busy (%s)", rt.name, st))
		return
	case types.LoadStateUnloaded:
		c.reject(cmd, fmt.Sprintf("sensor %s has nothing loaded", rt.name))
		return
	}

	if err := rt.fps.RequestUnload(); err != nil {
		rt.log.Errorf("Unload request event: %v", err)
	}
	if rt.fps.State() != types.LoadStateUnloading {
		c.reject(cmd, fmt.Sprintf("sensor %s rejected unload", rt.name))
		return
	}
	c.publishSensor(rt)

	feeder := rt.fps.feeder
	rt.log.Infof("Unloading %s bay %d", feeder.Name(), rt.fps.bay)
	go func() {
		ok, msg := feeder.UnloadSpoolWithRetry()
		select {
		case c.completions <- completion{sensor: rt.name, kind: opUnload, ok: ok, message: msg, reply: cmd.reply}:
		case <-c.ctx.Done():
		}
	}()
}

func (c *SupplyCoordinator) handleFollower(cmd command) {
	rt, ok := c.sensors[cmd.sensor]
	if !ok {
		c.reject(cmd, fmt.Sprintf("unknown sensor %q", cmd.sensor))
		return
	}
	fps := rt.fps
	if fps.feeder == nil {
		c.reject(cmd, fmt.Sprintf("sensor %s has no active feeder", rt.name))
		return
	}

	if err := fps.feeder.SetFollower(cmd.enable, cmd.direction); err != nil {
		c.reject(cmd, fmt.Sprintf("set follower: %v", err))
		return
	}
	fps.following = cmd.enable
	fps.direction = cmd.direction

	msg := fmt.Sprintf("follower %v %s on %s", cmd.enable, cmd.direction, fps.feeder.Name())
	rt.log.Infof("Manual follower command: %s", msg)
	cmd.reply <- cmdResult{OK: true, Message: msg}
	if err := c.redis.PublishCommandResult(cmd.kind.String(), true, msg); err != nil {
		c.log.Errorf("Publishing command result: %v", err)
	}
}

func (c *SupplyCoordinator) handleClearErrors(cmd command) {
	c.clearErrors()
	msg := "errors cleared, monitors restarted"
	cmd.reply <- cmdResult{OK: true, Message: msg}
	if err := c.redis.PublishCommandResult(cmd.kind.String(), true, msg); err != nil {
		c.log.Errorf("Publishing command result: %v", err)
	}
}

// --- Completion handling (scheduler goroutine) -------------------------------

func (c *SupplyCoordinator) handleCompletion(comp completion) {
	rt := c.sensors[comp.sensor]
	fps := rt.fps

	switch comp.kind {
	case opLoad:
		if fps.State() != types.LoadStateLoading {
			// A stall rolled the machine back while the hardware call was
			// still unwinding. The abort already failed the command.
			comp.reply <- cmdResult{OK: false, Message: "load aborted: " + comp.message}
			c.finishCommand(rt, cmdLoad, false, "load aborted: "+comp.message)
			return
		}
		if comp.ok {
			if err := fps.Complete(fsm.EvLoadSucceeded); err != nil {
				rt.log.Errorf("Load success event: %v", err)
			}
			c.notifyToolState(rt, Spool{Feeder: fps.feeder, Bay: fps.bay}, true)
			rt.runout.Arm()
		} else {
			if err := fps.Complete(fsm.EvLoadFailed); err != nil {
				rt.log.Errorf("Load failure event: %v", err)
			}
		}
		comp.reply <- cmdResult{OK: comp.ok, Message: comp.message}
		c.finishCommand(rt, cmdLoad, comp.ok, comp.message)

	case opUnload:
		if fps.State() != types.LoadStateUnloading {
			comp.reply <- cmdResult{OK: false, Message: "unload aborted: " + comp.message}
			c.finishCommand(rt, cmdUnload, false, "unload aborted: "+comp.message)
			return
		}
		prev := Spool{Feeder: fps.feeder, Bay: fps.bay}
		if comp.ok {
			if err := fps.Complete(fsm.EvUnloadSucceeded); err != nil {
				rt.log.Errorf("Unload success event: %v", err)
			}
			c.notifyToolState(rt, prev, false)
		} else {
			if err := fps.Complete(fsm.EvUnloadFailed); err != nil {
				rt.log.Errorf("Unload failure event: %v", err)
			}
		}
		comp.reply <- cmdResult{OK: comp.ok, Message: comp.message}
		c.finishCommand(rt, cmdUnload, comp.ok, comp.message)
	}
}

func (c *SupplyCoordinator) finishCommand(rt *sensorRuntime, kind commandKind, ok bool, message string) {
	c.publishSensor(rt)
	if rt.fps.feeder != nil {
		c.publishFeeder(rt.fps.feeder)
	}
	if err := c.redis.PublishCommandResult(kind.String(), ok, message); err != nil {
		c.log.Errorf("Publishing command result: %v", err)
	}
}

// --- Runout side effects -----------------------------------------------------

func (c *SupplyCoordinator) notifyRunout(sensor string, spool Spool, position float64) {
	ref := spool.Ref()
	lane := c.laneIndex[ref]

	capitan.Emit(c.ctx, SignalRunoutDetected,
		KeySensor.Field(sensor),
		KeyFeeder.Field(ref.Feeder),
		KeyBay.Field(ref.Bay),
		KeyLane.Field(lane),
	)
	if err := c.lanes.NotifyRunoutDetected(sensor, ref, lane); err != nil {
		c.log.Errorf("Notifying runout to lane host: %v", err)
	}
}

// reloadSensor runs the reload that ends a coast. It is called synchronously
// from the runout monitor's tick, after EvBufferConsumed, and its outcome
// decides between EvReloadOK and EvReloadFailed.
func (c *SupplyCoordinator) reloadSensor(rt *sensorRuntime) (bool, string) {
	fps := rt.fps
	if fps.group == nil || fps.feeder == nil {
		return false, "no active spool to replace"
	}
	group := fps.group
	cur := Spool{Feeder: fps.feeder, Bay: fps.bay}
	now := c.clock.Now()

	if target, ok := group.NextAvailableSpool(); ok {
		if c.sameSupplyPath(cur, target) {
			return c.reloadInPlace(rt, group, target)
		}
		return c.delegateRunout(rt, cur, target.Ref(), now,
			fmt.Sprintf("backup %s feeds a different path", target))
	}

	// Group exhausted. Ask the host registry whether another lane carries a
	// configured replacement.
	if lane := c.laneIndex[cur.Ref()]; lane != "" {
		target, defined, err := c.lanes.RunoutTarget(lane)
		if err != nil {
			rt.log.Warnf("Runout target lookup failed: %v", err)
		} else if defined {
			return c.delegateRunout(rt, cur, target, now,
				fmt.Sprintf("group %s exhausted", group.Name()))
		}
	}

	return false, fmt.Sprintf("no backup spool available in group %s", group.Name())
}

// sameSupplyPath reports whether the target spool can be loaded in place of
// the current one without a lane switch: same feeder unit, or two units
// feeding the same extruder. Two units that converge on one extruder share
// the filament path downstream of the hub, so their bays are interchangeable
// without involving the lane host; only a backup mapped to another extruder
// needs delegation.
func (c *SupplyCoordinator) sameSupplyPath(cur, target Spool) bool {
	if cur.Feeder.Name() == target.Feeder.Name() {
		return true
	}
	curExt, err := c.lanes.UnitExtruder(cur.Feeder.Name())
	if err != nil {
		c.log.Warnf("Extruder lookup for %s failed: %v", cur.Feeder.Name(), err)
		return false
	}
	targetExt, err := c.lanes.UnitExtruder(target.Feeder.Name())
	if err != nil {
		c.log.Warnf("Extruder lookup for %s failed: %v", target.Feeder.Name(), err)
		return false
	}
	return curExt == targetExt
}

// reloadInPlace ejects the empty spool and loads the target through the same
// supply path, driving the load machine through its normal transitions.
func (c *SupplyCoordinator) reloadInPlace(rt *sensorRuntime, group *FilamentGroup, target Spool) (bool, string) {
	fps := rt.fps
	prev := Spool{Feeder: fps.feeder, Bay: fps.bay}
	rt.log.Infof("In-place reload: ejecting %s, loading %s", prev, target)

	if err := fps.RequestUnload(); err != nil {
		rt.log.Errorf("Reload unload request: %v", err)
	}
	if fps.State() != types.LoadStateUnloading {
		return false, "unload transition rejected"
	}
	if ok, msg := prev.Feeder.UnloadSpoolWithRetry(); !ok {
		if err := fps.Complete(fsm.EvUnloadFailed); err != nil {
			rt.log.Errorf("Reload unload failure event: %v", err)
		}
		return false, "ejecting empty spool failed: " + msg
	}
	if err := fps.Complete(fsm.EvUnloadSucceeded); err != nil {
		rt.log.Errorf("Reload unload success event: %v", err)
	}
	c.notifyToolState(rt, prev, false)

	if err := fps.RequestLoad(group); err != nil {
		rt.log.Errorf("Reload load request: %v", err)
	}
	if fps.State() != types.LoadStateLoading {
		return false, fmt.Sprintf("spool %s no longer available", target)
	}
	if ok, msg := fps.feeder.LoadSpoolWithRetry(fps.bay); !ok {
		if err := fps.Complete(fsm.EvLoadFailed); err != nil {
			rt.log.Errorf("Reload load failure event: %v", err)
		}
		return false, "loading backup spool failed: " + msg
	}
	loaded := Spool{Feeder: fps.feeder, Bay: fps.bay}
	if err := fps.Complete(fsm.EvLoadSucceeded); err != nil {
		rt.log.Errorf("Reload load success event: %v", err)
	}
	c.notifyToolState(rt, loaded, true)
	c.publishSensor(rt)

	return true, fmt.Sprintf("reloaded from %s", loaded)
}

// delegateRunout hands the replacement to the print host and opens the
// suppression window so the still-empty bay is not re-detected while the
// host works.
func (c *SupplyCoordinator) delegateRunout(rt *sensorRuntime, cur Spool, target types.SpoolRef, now time.Time, why string) (bool, string) {
	lane := c.laneIndex[cur.Ref()]
	if lane == "" {
		return false, fmt.Sprintf("no lane mapping for %s", cur)
	}

	if err := c.lanes.RequestLaneSwitch(lane, target); err != nil {
		c.reportFault(FaultDelegation, "lane delegation failed", err.Error())
		return false, fmt.Sprintf("lane switch delegation failed: %v", err)
	}

	rt.fps.delegationUntil = now.Add(c.tuning.DelegationWindow.Std())
	rt.log.Infof("Delegated replacement of lane %s to %s:%d (%s)",
		lane, target.Feeder, target.Bay, why)

	capitan.Emit(c.ctx, SignalRunoutDelegated,
		KeySensor.Field(rt.name),
		KeyLane.Field(lane),
		KeyFeeder.Field(target.Feeder),
		KeyBay.Field(target.Bay),
		KeyMessage.Field(why),
	)
	return true, fmt.Sprintf("delegated replacement of lane %s to the print host", lane)
}

// --- Pause, faults, publication ----------------------------------------------

// requestPause asks the host to pause the print. Pausing an unhomed machine
// would crash the toolhead, so the request is skipped (and logged) when the
// axes are not homed.
func (c *SupplyCoordinator) requestPause(rt *sensorRuntime, reason string) {
	homed, err := c.lanes.AxesHomed()
	if err != nil {
		rt.log.Warnf("Homed state read failed before pause: %v", err)
	}
	if err == nil && !homed {
		rt.log.Warnf("Skipping pause request, axes not homed: %s", reason)
		return
	}

	capitan.Emit(c.ctx, SignalPauseRequested,
		KeySensor.Field(rt.name),
		KeyMessage.Field(reason),
	)
	if err := c.lanes.RequestPause(reason); err != nil {
		rt.log.Errorf("Pause request failed: %v", err)
	}
}

func (c *SupplyCoordinator) reportFault(code int, description, info string) {
	if err := c.redis.ReportFaultPresent(code, description, info); err != nil {
		c.log.Errorf("Reporting fault %d: %v", code, err)
	}
}

func (c *SupplyCoordinator) retractFault(code int) {
	if err := c.redis.ReportFaultAbsent(code); err != nil {
		c.log.Errorf("Retracting fault %d: %v", code, err)
	}
}

func (c *SupplyCoordinator) notifyToolState(rt *sensorRuntime, spool Spool, loaded bool) {
	ref := spool.Ref()
	lane := c.laneIndex[ref]
	handled, err := c.lanes.NotifyLaneToolState(ref.Feeder, lane, loaded, ref.Bay, c.clock.Now())
	if err != nil {
		rt.log.Errorf("Notifying tool state to lane host: %v", err)
		return
	}
	if !handled {
		rt.log.Debugf("Lane host ignored tool state for %s", spool)
	}
}

func (c *SupplyCoordinator) publishSensor(rt *sensorRuntime) {
	snap := rt.fps.Snapshot(rt.runout.State())
	if err := c.redis.PublishSensorState(snap); err != nil {
		rt.log.Errorf("Publishing sensor state: %v", err)
	}
}

func (c *SupplyCoordinator) publishFeeder(feeder FeederUnit) {
	snap := types.FeederSnapshot{
		Feeder:         feeder.Name(),
		LastActionCode: feeder.LastActionCode(),
	}
	if err := c.redis.PublishFeederState(snap); err != nil {
		c.log.Errorf("Publishing feeder state: %v", err)
	}
}

// --- Recovery and topology ---------------------------------------------------

// clearErrors is the clear-errors operation: stop the runout machines, wipe
// every accumulator and LED, retract faults, recompute load state from
// hardware truth and re-arm.
func (c *SupplyCoordinator) clearErrors() {
	c.log.Infof("Clearing error state and restarting monitors")

	for _, name := range c.sensorOrder {
		rt := c.sensors[name]
		rt.runout.Stop()
		rt.fps.ClearAccumulators()
	}

	for _, name := range c.feederOrder {
		feeder := c.feeders[name]
		for bay := 0; bay < 4; bay++ {
			if err := feeder.SetLedError(bay, false); err != nil {
				c.log.Errorf("Clearing LED on %s bay %d: %v", name, bay, err)
			}
		}
	}
	for _, code := range []int{FaultStall, FaultStuckSpool, FaultClog, FaultDelegation} {
		c.retractFault(code)
	}

	for _, name := range c.sensorOrder {
		rt := c.sensors[name]
		c.reconcileSensor(rt)
		rt.runout.Arm()
		c.publishSensor(rt)
	}

	capitan.Emit(c.ctx, SignalMonitorsRestarted)
}

// reconcileSensor rewrites one sensor's load state from what the bay
// switches actually read, ignoring whatever the machine believed before.
func (c *SupplyCoordinator) reconcileSensor(rt *sensorRuntime) {
	for _, groupName := range c.groupOrder {
		if c.groupSensor[groupName] != rt.name {
			continue
		}
		group := c.groups[groupName]
		if spool, ok := group.LoadedSpool(); ok {
			rt.log.Infof("Reconciled to loaded from %s (group %s)", spool, groupName)
			rt.fps.ForceLoaded(group, spool)
			return
		}
	}
	rt.log.Infof("Reconciled to unloaded")
	rt.fps.ForceUnloaded()
}

// rebuildTopology applies a changed configuration: groups, group-to-sensor
// bindings, tuning, clog profiles and the lane index. Sensors and feeders
// are hardware and never change at runtime.
func (c *SupplyCoordinator) rebuildTopology(cfg *config.Config) {
	groups, order, groupSensor, err := c.buildGroups(cfg)
	if err != nil {
		c.log.Errorf("Rejecting topology update: %v", err)
		return
	}

	c.groups, c.groupOrder, c.groupSensor = groups, order, groupSensor
	c.tuning = cfg.Tuning
	for _, sc := range cfg.Sensors {
		if rt, ok := c.sensors[sc.Name]; ok {
			rt.profile = clogProfiles[sc.ClogProfile]
		}
	}
	c.rebuildLaneIndex()
	c.log.Infof("Topology rebuilt: %d groups", len(order))
}

// rebuildLaneIndex refreshes the spool-to-lane mapping from the host
// registry. Lookup failures leave the previous entry in place.
func (c *SupplyCoordinator) rebuildLaneIndex() {
	for _, name := range c.feederOrder {
		for bay := 0; bay < 4; bay++ {
			lane, err := c.lanes.ResolveLaneForSpool(name, bay)
			if err != nil {
				c.log.Debugf("Lane lookup for %s:%d failed: %v", name, bay, err)
				continue
			}
			if lane != "" {
				c.laneIndex[types.SpoolRef{Feeder: name, Bay: bay}] = lane
			}
		}
	}
}

// LaneFor exposes the lane index for the status surface.
func (c *SupplyCoordinator) LaneFor(ref types.SpoolRef) string {
	return c.laneIndex[ref]
}
