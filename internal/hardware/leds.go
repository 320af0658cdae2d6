package hardware

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"supply-service/internal/logger"
)

// PWM LED driver ioctls, matching the imx_pwm_led kernel module.
const (
	pwmLedConfigure = 0x00007540 // _IO('u', 0x40)
	pwmLedSetActive = 0x00007549 // _IO('u', 0x49)
	pwmLedSetDuty   = 0x0000754A // _IO('u', 0x4A)

	pwmPeriod = 12000
	pwmRepeat = 3

	pwmCfgBitRepeat = 29

	bayLedCount = 4
	errorDuty   = pwmPeriod // full brightness
)

// BayLeds drives the four per-bay error LEDs of one feeder unit. Devices are
// numbered from the configured base path, bay N on <base>N.
type BayLeds struct {
	log      *logger.Logger
	basePath string

	mu  sync.Mutex
	fds [bayLedCount]int
}

func NewBayLeds(basePath string, log *logger.Logger) *BayLeds {
	l := &BayLeds{log: log, basePath: basePath}
	for i := range l.fds {
		l.fds[i] = -1
	}
	return l
}

// Init opens and configures the LED devices. A missing device disables that
// bay's LED only.
func (l *BayLeds) Init() error {
	opened := 0
	for bay := 0; bay < bayLedCount; bay++ {
		devPath := fmt.Sprintf("%s%d", l.basePath, bay)
		fd, err := unix.Open(devPath, unix.O_RDWR, 0)
		if err != nil {
			l.log.Warnf("LED device %s unavailable: %v", devPath, err)
			continue
		}

		config := uint32(pwmPeriod) | (uint32(pwmRepeat) << pwmCfgBitRepeat)
		if err := unix.IoctlSetInt(fd, pwmLedConfigure, int(config)); err != nil {
			l.log.Warnf("Configuring LED %s: %v", devPath, err)
			unix.Close(fd)
			continue
		}
		if err := unix.IoctlSetInt(fd, pwmLedSetActive, 1); err != nil {
			l.log.Warnf("Activating LED %s: %v", devPath, err)
			unix.Close(fd)
			continue
		}

		l.fds[bay] = fd
		opened++
	}

	if opened == 0 {
		return fmt.Errorf("no LED devices under %s", l.basePath)
	}
	return nil
}

// SetError turns one bay's error LED fully on or off.
func (l *BayLeds) SetError(bay int, on bool) error {
	if bay < 0 || bay >= bayLedCount {
		return fmt.Errorf("bay %d out of range", bay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fd := l.fds[bay]
	if fd < 0 {
		return nil
	}

	duty := 0
	if on {
		duty = errorDuty
	}
	if err := unix.IoctlSetInt(fd, pwmLedSetDuty, duty); err != nil {
		return fmt.Errorf("set LED duty for bay %d: %w", bay, err)
	}
	return nil
}

func (l *BayLeds) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for bay, fd := range l.fds {
		if fd < 0 {
			continue
		}
		if err := unix.IoctlSetInt(fd, pwmLedSetDuty, 0); err != nil {
			l.log.Debugf("Clearing LED %d on close: %v", bay, err)
		}
		unix.IoctlSetInt(fd, pwmLedSetActive, 0)
		unix.Close(fd)
		l.fds[bay] = -1
	}
}
