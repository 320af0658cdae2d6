package hardware

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/warthog618/go-gpiocdev"

	"supply-service/internal/config"
	"supply-service/internal/logger"
	"supply-service/internal/types"
)

const (
	evSyn = 0x00
	evKey = 0x01

	// EVIOCGKEY(128) for the gpio-keys bay switch snapshot
	eviocgkey = 0x80804518

	inputEventSize = 16
	loadPollPeriod = 50 * time.Millisecond
)

// GpioFeederUnit drives one feeder unit: bay ready/loaded microswitches and
// the motion encoder arrive on a gpio-keys event device, the follower motor
// is two GPIO output lines (enable, direction), and each bay has an error
// LED behind a PWM device.
type GpioFeederUnit struct {
	name string
	log  *logger.Logger
	cfg  config.FeederConfig

	retries     int
	loadTimeout time.Duration

	inputFile     *os.File
	enableLine    *gpiocdev.Line
	directionLine *gpiocdev.Line
	leds          *BayLeds

	mu         sync.RWMutex
	activeKeys map[uint16]bool

	encoder atomic.Int64
	abort   atomic.Bool
	busy    atomic.Bool

	statusMu       sync.Mutex
	lastActionCode string
	lastLoadTime   [4]time.Time
	lastLoadRetry  [4]bool

	stopChan chan struct{}
}

// NewGpioFeederUnit builds the driver without touching hardware. Initialize
// opens the devices.
func NewGpioFeederUnit(cfg config.FeederConfig, tuning config.Tuning, log *logger.Logger) *GpioFeederUnit {
	return &GpioFeederUnit{
		name:           cfg.Name,
		log:            log.WithTag(cfg.Name),
		cfg:            cfg,
		retries:        tuning.LoadRetries,
		loadTimeout:    tuning.LoadTimeout.Std(),
		activeKeys:     make(map[uint16]bool),
		lastActionCode: "idle",
		stopChan:       make(chan struct{}),
	}
}

// Initialize opens the input device and GPIO lines, snapshots the current
// switch states and starts the event reader.
func (f *GpioFeederUnit) Initialize() error {
	f.log.Infof("Opening input device: %s", f.cfg.InputDevice)
	inputFile, err := os.OpenFile(f.cfg.InputDevice, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open input device %s: %w", f.cfg.InputDevice, err)
	}
	f.inputFile = inputFile

	enableLine, err := gpiocdev.RequestLine(
		fmt.Sprintf("gpiochip%d", f.cfg.FollowerEnable.Chip),
		f.cfg.FollowerEnable.Line,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("supply-service"))
	if err != nil {
		return fmt.Errorf("request follower enable line: %w", err)
	}
	f.enableLine = enableLine

	directionLine, err := gpiocdev.RequestLine(
		fmt.Sprintf("gpiochip%d", f.cfg.FollowerDirection.Chip),
		f.cfg.FollowerDirection.Line,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("supply-service"))
	if err != nil {
		return fmt.Errorf("request follower direction line: %w", err)
	}
	f.directionLine = directionLine

	if f.cfg.LedDevice != "" {
		f.leds = NewBayLeds(f.cfg.LedDevice, f.log)
		if err := f.leds.Init(); err != nil {
			f.log.Warnf("Bay LEDs unavailable: %v", err)
			f.leds = nil
		}
	}

	if err := f.readInitialState(); err != nil {
		f.log.Warnf("Failed to read initial switch states: %v", err)
	}

	go f.monitorInputs()
	return nil
}

// readInitialState snapshots the bay switches with EVIOCGKEY so the service
// knows which bays hold filament before any event arrives.
func (f *GpioFeederUnit) readInitialState() error {
	buffer := make([]byte, 128)
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		uintptr(f.inputFile.Fd()),
		uintptr(eviocgkey),
		uintptr(unsafe.Pointer(&buffer[0])),
	)
	if errno != 0 {
		return fmt.Errorf("EVIOCGKEY ioctl failed: %v", errno)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for bay := 0; bay < 4; bay++ {
		for _, code := range []uint16{f.cfg.BayReadyKeys[bay], f.cfg.BayLoadedKeys[bay]} {
			byteOffset := int(code / 8)
			bitOffset := code % 8
			if byteOffset < len(buffer) && buffer[byteOffset]&(1<<bitOffset) != 0 {
				f.activeKeys[code] = true
			}
		}
	}
	return nil
}

func (f *GpioFeederUnit) monitorInputs() {
	buffer := make([]byte, inputEventSize)

	for {
		select {
		case <-f.stopChan:
			return
		default:
			n, err := f.inputFile.Read(buffer)
			if err != nil {
				select {
				case <-f.stopChan:
					return
				default:
				}
				f.log.Warnf("Input read error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if n != len(buffer) {
				f.log.Warnf("Incomplete input event: got %d bytes", n)
				continue
			}

			typ := binary.LittleEndian.Uint16(buffer[8:10])
			code := binary.LittleEndian.Uint16(buffer[10:12])
			val := int32(binary.LittleEndian.Uint32(buffer[12:16]))

			if typ != evKey || val > 1 {
				continue
			}

			if code == f.cfg.EncoderKey {
				if val == 1 {
					f.encoder.Add(1)
				}
				continue
			}

			f.mu.Lock()
			if val == 0 {
				delete(f.activeKeys, code)
			} else {
				f.activeKeys[code] = true
			}
			f.mu.Unlock()
		}
	}
}

// readKeyState prefers a live EVIOCGKEY snapshot and falls back to the
// cached event state.
func (f *GpioFeederUnit) readKeyState(code uint16) (bool, error) {
	if f.inputFile != nil {
		buffer := make([]byte, 128)
		_, _, errno := syscall.Syscall(
			syscall.SYS_IOCTL,
			uintptr(f.inputFile.Fd()),
			uintptr(eviocgkey),
			uintptr(unsafe.Pointer(&buffer[0])),
		)
		if errno == 0 {
			byteOffset := int(code / 8)
			bitOffset := code % 8
			if byteOffset < len(buffer) {
				return buffer[byteOffset]&(1<<bitOffset) != 0, nil
			}
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.activeKeys[code], nil
}

func (f *GpioFeederUnit) Name() string { return f.name }

func (f *GpioFeederUnit) IsBayReady(bay int) (bool, error) {
	if bay < 0 || bay > 3 {
		return false, fmt.Errorf("bay %d out of range", bay)
	}
	return f.readKeyState(f.cfg.BayReadyKeys[bay])
}

func (f *GpioFeederUnit) IsBayLoaded(bay int) (bool, error) {
	if bay < 0 || bay > 3 {
		return false, fmt.Errorf("bay %d out of range", bay)
	}
	return f.readKeyState(f.cfg.BayLoadedKeys[bay])
}

func (f *GpioFeederUnit) EncoderClicks() (int64, error) {
	return f.encoder.Load(), nil
}

func (f *GpioFeederUnit) SetFollower(enable bool, direction types.Direction) error {
	if f.enableLine == nil || f.directionLine == nil {
		return fmt.Errorf("follower lines not initialized")
	}

	dirVal := 0
	if direction == types.DirectionReverse {
		dirVal = 1
	}
	if err := f.directionLine.SetValue(dirVal); err != nil {
		return fmt.Errorf("set follower direction: %w", err)
	}

	enVal := 0
	if enable {
		enVal = 1
	}
	if err := f.enableLine.SetValue(enVal); err != nil {
		return fmt.Errorf("set follower enable: %w", err)
	}

	f.log.Debugf("Follower %v %s", enable, direction)
	return nil
}

func (f *GpioFeederUnit) FilamentPathLength() float64 { return f.cfg.PathLengthMM }

// LoadSpoolWithRetry feeds filament from the bay toward the buffer until the
// loaded switch triggers, retrying up to the configured attempt count. An
// abort (from the stall monitor) fails the command immediately and is not
// retried.
func (f *GpioFeederUnit) LoadSpoolWithRetry(bay int) (bool, string) {
	if !f.busy.CompareAndSwap(false, true) {
		return false, "feeder busy"
	}
	defer f.busy.Store(false)
	f.abort.Store(false)

	for attempt := 0; attempt < f.retries; attempt++ {
		if attempt > 0 {
			f.log.Infof("Load attempt %d/%d on bay %d", attempt+1, f.retries, bay)
		}

		ok, code := f.driveUntil(bay, true, types.DirectionForward)
		if code == "aborted" {
			f.setActionCode("load_aborted")
			return false, "load aborted"
		}
		if ok {
			f.setActionCode("load_success")
			f.statusMu.Lock()
			f.lastLoadTime[bay] = time.Now()
			f.lastLoadRetry[bay] = attempt > 0
			f.statusMu.Unlock()
			return true, fmt.Sprintf("loaded bay %d", bay)
		}
	}

	f.setActionCode("load_timeout")
	return false, fmt.Sprintf("bay %d did not reach loaded within %d attempts", bay, f.retries)
}

// UnloadSpoolWithRetry retracts the currently loaded spool until its loaded
// switch releases.
func (f *GpioFeederUnit) UnloadSpoolWithRetry() (bool, string) {
	if !f.busy.CompareAndSwap(false, true) {
		return false, "feeder busy"
	}
	defer f.busy.Store(false)
	f.abort.Store(false)

	bay := -1
	for b := 0; b < 4; b++ {
		loaded, err := f.IsBayLoaded(b)
		if err == nil && loaded {
			bay = b
			break
		}
	}
	if bay < 0 {
		f.setActionCode("unload_noop")
		return true, "no bay loaded"
	}

	for attempt := 0; attempt < f.retries; attempt++ {
		if attempt > 0 {
			f.log.Infof("Unload attempt %d/%d on bay %d", attempt+1, f.retries, bay)
		}

		ok, code := f.driveUntil(bay, false, types.DirectionReverse)
		if code == "aborted" {
			f.setActionCode("unload_aborted")
			return false, "unload aborted"
		}
		if ok {
			f.setActionCode("unload_success")
			return true, fmt.Sprintf("unloaded bay %d", bay)
		}
	}

	f.setActionCode("unload_timeout")
	return false, fmt.Sprintf("bay %d still loaded after %d attempts", bay, f.retries)
}

// driveUntil runs the follower in the given direction until the bay's loaded
// switch reaches wantLoaded, the timeout expires, or an abort arrives. The
// follower always stops before returning.
func (f *GpioFeederUnit) driveUntil(bay int, wantLoaded bool, direction types.Direction) (bool, string) {
	if err := f.SetFollower(true, direction); err != nil {
		return false, err.Error()
	}
	defer func() {
		if err := f.SetFollower(false, direction); err != nil {
			f.log.Errorf("Stopping follower: %v", err)
		}
	}()

	deadline := time.Now().Add(f.loadTimeout)
	for time.Now().Before(deadline) {
		if f.abort.Load() {
			f.log.Warnf("Action on bay %d aborted", bay)
			return false, "aborted"
		}

		loaded, err := f.IsBayLoaded(bay)
		if err != nil {
			f.log.Warnf("Bay %d switch read failed: %v", bay, err)
		} else if loaded == wantLoaded {
			return true, ""
		}

		time.Sleep(loadPollPeriod)
	}
	return false, "timeout"
}

// AbortCurrentAction flags the in-flight load or unload to fail. Safe to
// call from any goroutine and when nothing is in flight.
func (f *GpioFeederUnit) AbortCurrentAction() error {
	f.abort.Store(true)
	return nil
}

func (f *GpioFeederUnit) setActionCode(code string) {
	f.statusMu.Lock()
	f.lastActionCode = code
	f.statusMu.Unlock()
}

func (f *GpioFeederUnit) LastActionCode() string {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.lastActionCode
}

func (f *GpioFeederUnit) LastSuccessfulLoadTime(bay int) time.Time {
	if bay < 0 || bay > 3 {
		return time.Time{}
	}
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.lastLoadTime[bay]
}

func (f *GpioFeederUnit) LastLoadWasRetry(bay int) bool {
	if bay < 0 || bay > 3 {
		return false
	}
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.lastLoadRetry[bay]
}

func (f *GpioFeederUnit) SetLedError(bay int, on bool) error {
	if f.leds == nil {
		return nil
	}
	return f.leds.SetError(bay, on)
}

// Close stops the event reader and releases the devices.
func (f *GpioFeederUnit) Close() {
	close(f.stopChan)

	if f.enableLine != nil {
		if err := f.enableLine.SetValue(0); err != nil {
			f.log.Errorf("Disabling follower on close: %v", err)
		}
		f.enableLine.Close()
	}
	if f.directionLine != nil {
		f.directionLine.Close()
	}
	if f.inputFile != nil {
		f.inputFile.Close()
	}
	if f.leds != nil {
		f.leds.Close()
	}
	f.log.Infof("Feeder closed")
}
