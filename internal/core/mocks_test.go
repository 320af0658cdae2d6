package core

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"supply-service/internal/logger"
	"supply-service/internal/types"
)

var errReadFailed = errors.New("read failed")

func testLogger() *logger.Logger {
	return logger.NewLogger(log.New(io.Discard, "", 0), logger.LogLevelNone)
}

// --- mock feeder unit ---------------------------------------------------

type followerCall struct {
	enable    bool
	direction types.Direction
}

type mockFeeder struct {
	mu         sync.Mutex
	name       string
	pathLength float64

	ready  [4]bool
	loaded [4]bool
	leds   [4]bool

	encoder   int64
	follower  bool
	direction types.Direction

	followerCalls []followerCall
	aborts        int

	loadOK      bool
	loadMsg     string
	unloadOK    bool
	unloadMsg   string
	loadCalls   int
	unloadCalls int
	loadBays    []int

	// When set, LoadSpoolWithRetry blocks until the channel closes.
	blockLoad chan struct{}

	lastLoad   [4]time.Time
	lastRetry  [4]bool
	actionCode string
}

func newMockFeeder(name string, pathLength float64) *mockFeeder {
	return &mockFeeder{
		name:       name,
		pathLength: pathLength,
		loadOK:     true,
		unloadOK:   true,
		actionCode: "idle",
	}
}

func (f *mockFeeder) Name() string { return f.name }

func (f *mockFeeder) IsBayReady(bay int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[bay], nil
}

func (f *mockFeeder) IsBayLoaded(bay int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[bay], nil
}

func (f *mockFeeder) EncoderClicks() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encoder, nil
}

func (f *mockFeeder) SetFollower(enable bool, direction types.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.follower = enable
	f.direction = direction
	f.followerCalls = append(f.followerCalls, followerCall{enable, direction})
	return nil
}

func (f *mockFeeder) FilamentPathLength() float64 { return f.pathLength }

func (f *mockFeeder) LoadSpoolWithRetry(bay int) (bool, string) {
	f.mu.Lock()
	block := f.blockLoad
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	f.loadBays = append(f.loadBays, bay)
	if !f.loadOK {
		f.actionCode = "load_timeout"
		return false, f.loadMsg
	}
	f.loaded[bay] = true
	f.actionCode = "load_success"
	return true, "loaded"
}

func (f *mockFeeder) UnloadSpoolWithRetry() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloadCalls++
	if !f.unloadOK {
		f.actionCode = "unload_timeout"
		return false, f.unloadMsg
	}
	for bay := range f.loaded {
		f.loaded[bay] = false
	}
	f.actionCode = "unload_success"
	return true, "unloaded"
}

func (f *mockFeeder) AbortCurrentAction() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *mockFeeder) LastActionCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actionCode
}

func (f *mockFeeder) LastSuccessfulLoadTime(bay int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLoad[bay]
}

func (f *mockFeeder) LastLoadWasRetry(bay int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRetry[bay]
}

func (f *mockFeeder) SetLedError(bay int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leds[bay] = on
	return nil
}

// --- mock pressure sensor -------------------------------------------------

type mockPressure struct {
	mu       sync.Mutex
	name     string
	value    float64
	valueErr error
	pos      float64
	posErr   error
	feeders  []string
}

func (p *mockPressure) Name() string          { return p.name }
func (p *mockPressure) FeederNames() []string { return p.feeders }

func (p *mockPressure) Value() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.valueErr
}

func (p *mockPressure) ExtruderPosition() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, p.posErr
}

func (p *mockPressure) setValue(v float64) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

func (p *mockPressure) setPos(v float64) {
	p.mu.Lock()
	p.pos = v
	p.mu.Unlock()
}

// --- mock lane manager ------------------------------------------------------

type laneSwitch struct {
	lane   string
	target types.SpoolRef
}

type runoutNotice struct {
	sensor string
	spool  types.SpoolRef
	lane   string
}

type toolStateNotice struct {
	unit   string
	lane   string
	loaded bool
	bay    int
}

type mockLanes struct {
	mu       sync.Mutex
	printing bool
	homed    bool
	printErr error

	laneMap   map[types.SpoolRef]string
	extruders map[string]string
	targets   map[string]types.SpoolRef

	switchErr  error
	switches   []laneSwitch
	pauses     []string
	runouts    []runoutNotice
	toolStates []toolStateNotice

	// When set, a pause request stops the print like the real host would.
	pauseStopsPrint bool
}

func newMockLanes() *mockLanes {
	return &mockLanes{
		printing:        true,
		homed:           true,
		laneMap:         make(map[types.SpoolRef]string),
		extruders:       make(map[string]string),
		targets:         make(map[string]types.SpoolRef),
		pauseStopsPrint: true,
	}
}

func (l *mockLanes) NotifyRunoutDetected(sensor string, spool types.SpoolRef, laneHint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runouts = append(l.runouts, runoutNotice{sensor, spool, laneHint})
	return nil
}

func (l *mockLanes) NotifyLaneToolState(unit, lane string, loaded bool, bay int, ts time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toolStates = append(l.toolStates, toolStateNotice{unit, lane, loaded, bay})
	return true, nil
}

func (l *mockLanes) ResolveLaneForSpool(unit string, bay int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.laneMap[types.SpoolRef{Feeder: unit, Bay: bay}], nil
}

func (l *mockLanes) RunoutTarget(lane string) (types.SpoolRef, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	target, ok := l.targets[lane]
	return target, ok, nil
}

func (l *mockLanes) UnitExtruder(unit string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extruders[unit], nil
}

func (l *mockLanes) RequestLaneSwitch(lane string, target types.SpoolRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.switchErr != nil {
		return l.switchErr
	}
	l.switches = append(l.switches, laneSwitch{lane, target})
	return nil
}

func (l *mockLanes) RequestPause(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauses = append(l.pauses, reason)
	if l.pauseStopsPrint {
		l.printing = false
	}
	return nil
}

func (l *mockLanes) IsPrinting() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.printing, l.printErr
}

func (l *mockLanes) AxesHomed() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.homed, nil
}

func (l *mockLanes) setPrinting(v bool) {
	l.mu.Lock()
	l.printing = v
	l.mu.Unlock()
}

func (l *mockLanes) pauseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pauses)
}

// --- mock messaging client ----------------------------------------------

type commandRecord struct {
	command string
	ok      bool
	message string
}

type mockRedis struct {
	mu            sync.Mutex
	sensorSnaps   []types.SensorSnapshot
	feederSnaps   []types.FeederSnapshot
	results       []commandRecord
	faultsPresent map[int]int
	faultsAbsent  map[int]int
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		faultsPresent: make(map[int]int),
		faultsAbsent:  make(map[int]int),
	}
}

func (r *mockRedis) PublishSensorState(snap types.SensorSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensorSnaps = append(r.sensorSnaps, snap)
	return nil
}

func (r *mockRedis) PublishFeederState(snap types.FeederSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feederSnaps = append(r.feederSnaps, snap)
	return nil
}

func (r *mockRedis) PublishCommandResult(command string, ok bool, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, commandRecord{command, ok, message})
	return nil
}

func (r *mockRedis) ReportFaultPresent(code int, description, info string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faultsPresent[code]++
	return nil
}

func (r *mockRedis) ReportFaultAbsent(code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faultsAbsent[code]++
	return nil
}

func (r *mockRedis) lastSensorSnap() (types.SensorSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sensorSnaps) == 0 {
		return types.SensorSnapshot{}, false
	}
	return r.sensorSnaps[len(r.sensorSnaps)-1], true
}
