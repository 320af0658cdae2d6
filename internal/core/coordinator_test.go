package core

import (
	"context"
	"testing"

	"github.com/zoobzio/clockz"

	"supply-service/internal/config"
	"supply-service/internal/types"
)

const testConfigYAML = `
feeders:
  - name: unit0
    path_length_mm: 120
    input_device: /dev/input/event0
    encoder_key: 100
    bay_ready_keys: [101, 102, 103, 104]
    bay_loaded_keys: [105, 106, 107, 108]
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    adc_channel: 0
    feeders: [unit0]
    clog_profile: medium
groups:
  - name: PLA
    spools: ["unit0:0", "unit0:1"]
`

type testEnv struct {
	clock    *clockz.FakeClock
	feeder   *mockFeeder
	pressure *mockPressure
	lanes    *mockLanes
	redis    *mockRedis
	coord    *SupplyCoordinator
	rt       *sensorRuntime
}

// newTestEnv builds a coordinator with two spools in one group, machines
// started and the runout monitor armed. The scheduler goroutine is not
// running: tests drive ticks and command handling directly.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse test config: %v", err)
	}

	clock := clockz.NewFakeClock()
	feeder := newMockFeeder("unit0", 120)
	feeder.ready = [4]bool{true, true, false, false}
	pressure := &mockPressure{name: "fps0", value: 0.5, feeders: []string{"unit0"}}
	lanesMock := newMockLanes()
	lanesMock.laneMap[types.SpoolRef{Feeder: "unit0", Bay: 0}] = "lane0"
	lanesMock.laneMap[types.SpoolRef{Feeder: "unit0", Bay: 1}] = "lane0"
	lanesMock.extruders["unit0"] = "extruder"
	redis := newMockRedis()

	coord, err := NewSupplyCoordinator(Dependencies{
		Logger:  testLogger(),
		Clock:   clock,
		Config:  cfg,
		Feeders: map[string]FeederUnit{"unit0": feeder},
		Sensors: map[string]PressureSensor{"fps0": pressure},
		Lanes:   lanesMock,
		Redis:   redis,
	})
	if err != nil {
		t.Fatalf("build coordinator: %v", err)
	}

	ctx := context.Background()
	for _, name := range coord.sensorOrder {
		rt := coord.sensors[name]
		if err := rt.fps.Start(ctx); err != nil {
			t.Fatalf("start load machine: %v", err)
		}
		if err := rt.runout.Start(ctx); err != nil {
			t.Fatalf("start runout machine: %v", err)
		}
	}
	coord.rebuildLaneIndex()
	for _, name := range coord.sensorOrder {
		rt := coord.sensors[name]
		coord.reconcileSensor(rt)
		rt.runout.Arm()
	}
	coord.wasPrinting = true

	return &testEnv{
		clock:    clock,
		feeder:   feeder,
		pressure: pressure,
		lanes:    lanesMock,
		redis:    redis,
		coord:    coord,
		rt:       coord.sensors["fps0"],
	}
}

// loadGroup drives a load command through handleCommand and the completion
// path, the way the scheduler loop would.
func (e *testEnv) loadGroup(t *testing.T, group string) (bool, string) {
	t.Helper()
	reply := make(chan cmdResult, 1)
	e.coord.handleCommand(command{kind: cmdLoad, group: group, reply: reply})

	select {
	case res := <-reply: // rejected before the hardware was touched
		return res.OK, res.Message
	default:
	}

	comp := <-e.coord.completions
	e.coord.handleCompletion(comp)
	res := <-reply
	return res.OK, res.Message
}

func (e *testEnv) unloadSensor(t *testing.T, sensor string) (bool, string) {
	t.Helper()
	reply := make(chan cmdResult, 1)
	e.coord.handleCommand(command{kind: cmdUnload, sensor: sensor, reply: reply})

	select {
	case res := <-reply:
		return res.OK, res.Message
	default:
	}

	comp := <-e.coord.completions
	e.coord.handleCompletion(comp)
	res := <-reply
	return res.OK, res.Message
}

func TestLoadSelectsFirstAvailableSpool(t *testing.T) {
	e := newTestEnv(t)

	ok, msg := e.loadGroup(t, "PLA")
	if !ok {
		t.Fatalf("load failed: %s", msg)
	}

	fps := e.rt.fps
	if got := fps.State(); got != types.LoadStateLoaded {
		t.Fatalf("state = %s, want loaded", got)
	}
	if fps.bay != 0 {
		t.Errorf("bay = %d, want 0 (declaration order)", fps.bay)
	}
	if !e.feeder.follower || e.feeder.direction != types.DirectionForward {
		t.Errorf("follower = %v %s, want engaged forward", e.feeder.follower, e.feeder.direction)
	}
	if !fps.postLoadArmed {
		t.Error("post-load watchdog not armed")
	}
	if got := e.rt.runout.State(); got != types.RunoutMonitoring {
		t.Errorf("runout state = %s, want monitoring", got)
	}
}

func TestSnapshotCarriesLoadRetryFlag(t *testing.T) {
	e := newTestEnv(t)
	e.feeder.mu.Lock()
	e.feeder.lastRetry[0] = true
	e.feeder.mu.Unlock()

	if ok, msg := e.loadGroup(t, "PLA"); !ok {
		t.Fatalf("load failed: %s", msg)
	}

	snap, ok := e.redis.lastSensorSnap()
	if !ok {
		t.Fatal("no sensor snapshot published")
	}
	if !snap.LoadWasRetry {
		t.Error("snapshot does not report the retried load")
	}
}

func TestLoadRejectedForUnknownGroup(t *testing.T) {
	e := newTestEnv(t)

	ok, msg := e.loadGroup(t, "nope")
	if ok {
		t.Fatal("load of unknown group succeeded")
	}
	if msg == "" {
		t.Error("rejection carries no message")
	}
	if e.feeder.loadCalls != 0 {
		t.Errorf("hardware touched on rejected command: %d load calls", e.feeder.loadCalls)
	}
}

func TestLoadRejectedWhenNoSpoolAvailable(t *testing.T) {
	e := newTestEnv(t)
	e.feeder.ready = [4]bool{} // nothing ready

	ok, _ := e.loadGroup(t, "PLA")
	if ok {
		t.Fatal("load succeeded with no available spool")
	}
	if got := e.rt.fps.State(); got != types.LoadStateUnloaded {
		t.Errorf("state = %s, want unloaded after rejection", got)
	}
}

func TestLoadRejectedWhileBusy(t *testing.T) {
	e := newTestEnv(t)

	// First load blocks in the hardware
	block := make(chan struct{})
	e.feeder.blockLoad = block
	reply1 := make(chan cmdResult, 1)
	e.coord.handleCommand(command{kind: cmdLoad, group: "PLA", reply: reply1})

	if got := e.rt.fps.State(); got != types.LoadStateLoading {
		t.Fatalf("state = %s, want loading", got)
	}

	// Second load must be rejected without touching state or hardware
	reply2 := make(chan cmdResult, 1)
	e.coord.handleCommand(command{kind: cmdLoad, group: "PLA", reply: reply2})
	res := <-reply2
	if res.OK {
		t.Fatal("concurrent load accepted")
	}
	if got := e.rt.fps.State(); got != types.LoadStateLoading {
		t.Errorf("state = %s after rejection, want loading unchanged", got)
	}

	// Unblock and finish the first load
	close(block)
	comp := <-e.coord.completions
	e.coord.handleCompletion(comp)
	if res := <-reply1; !res.OK {
		t.Fatalf("original load failed: %s", res.Message)
	}
	if e.feeder.loadCalls != 1 {
		t.Errorf("load calls = %d, want 1", e.feeder.loadCalls)
	}
}

func TestLoadFailureRollsBack(t *testing.T) {
	e := newTestEnv(t)
	e.feeder.loadOK = false
	e.feeder.loadMsg = "bay 0 did not reach loaded"

	ok, _ := e.loadGroup(t, "PLA")
	if ok {
		t.Fatal("load reported success despite hardware failure")
	}
	fps := e.rt.fps
	if got := fps.State(); got != types.LoadStateUnloaded {
		t.Errorf("state = %s, want unloaded after failed load", got)
	}
	if fps.group != nil || fps.feeder != nil {
		t.Error("identifiers not cleared after failed load")
	}
}

func TestUnloadRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	if ok, msg := e.loadGroup(t, "PLA"); !ok {
		t.Fatalf("load failed: %s", msg)
	}

	ok, msg := e.unloadSensor(t, "fps0")
	if !ok {
		t.Fatalf("unload failed: %s", msg)
	}
	fps := e.rt.fps
	if got := fps.State(); got != types.LoadStateUnloaded {
		t.Errorf("state = %s, want unloaded", got)
	}
	if e.feeder.follower {
		t.Error("follower still engaged after unload")
	}

	// The host got both tool state notifications
	e.lanes.mu.Lock()
	n := len(e.lanes.toolStates)
	e.lanes.mu.Unlock()
	if n != 2 {
		t.Errorf("tool state notices = %d, want 2 (load + unload)", n)
	}
}

func TestUnloadRejectedWhenNothingLoaded(t *testing.T) {
	e := newTestEnv(t)

	ok, _ := e.unloadSensor(t, "fps0")
	if ok {
		t.Fatal("unload succeeded with nothing loaded")
	}
	if e.feeder.unloadCalls != 0 {
		t.Errorf("hardware touched on rejected unload: %d calls", e.feeder.unloadCalls)
	}
}

func TestUnloadFailureRollsBackToLoaded(t *testing.T) {
	e := newTestEnv(t)
	if ok, msg := e.loadGroup(t, "PLA"); !ok {
		t.Fatalf("load failed: %s", msg)
	}

	e.feeder.unloadOK = false
	e.feeder.unloadMsg = "still loaded"
	ok, _ := e.unloadSensor(t, "fps0")
	if ok {
		t.Fatal("unload reported success despite hardware failure")
	}
	fps := e.rt.fps
	if got := fps.State(); got != types.LoadStateLoaded {
		t.Errorf("state = %s, want loaded after failed unload", got)
	}
	if fps.feeder == nil || fps.bay != 0 {
		t.Error("identifiers dropped on unload rollback")
	}
}

func TestManualFollowerCommand(t *testing.T) {
	e := newTestEnv(t)
	if ok, msg := e.loadGroup(t, "PLA"); !ok {
		t.Fatalf("load failed: %s", msg)
	}

	reply := make(chan cmdResult, 1)
	e.coord.handleCommand(command{
		kind: cmdFollower, sensor: "fps0",
		enable: true, direction: types.DirectionReverse,
		reply: reply,
	})
	res := <-reply
	if !res.OK {
		t.Fatalf("follower command failed: %s", res.Message)
	}
	if e.feeder.direction != types.DirectionReverse {
		t.Errorf("direction = %s, want reverse", e.feeder.direction)
	}
	if e.rt.fps.direction != types.DirectionReverse {
		t.Error("coordinator bookkeeping not updated")
	}
}

func TestClearErrorsReconcilesFromHardware(t *testing.T) {
	e := newTestEnv(t)
	if ok, msg := e.loadGroup(t, "PLA"); !ok {
		t.Fatalf("load failed: %s", msg)
	}

	// Fake a declared stuck spool with an LED and a fault
	fps := e.rt.fps
	fps.stuck.Reported = true
	e.feeder.SetLedError(0, true)
	e.rt.runout.Stop()

	reply := make(chan cmdResult, 1)
	e.coord.handleCommand(command{kind: cmdClearErrors, reply: reply})
	if res := <-reply; !res.OK {
		t.Fatalf("clear-errors failed: %s", res.Message)
	}

	if fps.stuck.Reported || fps.stuck.Active {
		t.Error("stuck tracker survived clear-errors")
	}
	if e.feeder.leds[0] {
		t.Error("bay LED still on after clear-errors")
	}
	for _, code := range []int{FaultStall, FaultStuckSpool, FaultClog, FaultDelegation} {
		if e.redis.faultsAbsent[code] == 0 {
			t.Errorf("fault %d not retracted", code)
		}
	}

	// Bay 0 still reads loaded, so the state must be recomputed to loaded
	if got := fps.State(); got != types.LoadStateLoaded {
		t.Errorf("state = %s, want loaded from hardware truth", got)
	}
	if fps.bay != 0 {
		t.Errorf("bay = %d, want 0", fps.bay)
	}
	if got := e.rt.runout.State(); got != types.RunoutMonitoring {
		t.Errorf("runout state = %s, want monitoring after re-arm", got)
	}
}

func TestClearErrorsWithEmptyBaysReconcilesUnloaded(t *testing.T) {
	e := newTestEnv(t)
	if ok, msg := e.loadGroup(t, "PLA"); !ok {
		t.Fatalf("load failed: %s", msg)
	}
	e.feeder.loaded = [4]bool{} // operator pulled the filament by hand

	reply := make(chan cmdResult, 1)
	e.coord.handleCommand(command{kind: cmdClearErrors, reply: reply})
	<-reply

	if got := e.rt.fps.State(); got != types.LoadStateUnloaded {
		t.Errorf("state = %s, want unloaded from hardware truth", got)
	}
}

func TestTopologyRebuildSwapsGroups(t *testing.T) {
	e := newTestEnv(t)

	cfg, err := config.Parse([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Groups = []config.GroupConfig{{Name: "PETG", Spools: []string{"unit0:1"}}}

	e.coord.rebuildTopology(cfg)

	if _, ok := e.coord.groups["PLA"]; ok {
		t.Error("old group survived topology rebuild")
	}
	if _, ok := e.coord.groups["PETG"]; !ok {
		t.Fatal("new group missing after topology rebuild")
	}
	if got := e.coord.groupSensor["PETG"]; got != "fps0" {
		t.Errorf("group sensor = %q, want fps0", got)
	}
}

func TestTopologyRebuildRejectsBadConfig(t *testing.T) {
	e := newTestEnv(t)

	cfg, err := config.Parse([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Groups = []config.GroupConfig{{Name: "bad", Spools: []string{"ghost:0"}}}

	e.coord.rebuildTopology(cfg)

	if _, ok := e.coord.groups["PLA"]; !ok {
		t.Error("valid topology replaced by a broken one")
	}
}
