package picoharp

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/nasa-jpl/tcspc/phlib"
)

// SlotStatus is the outcome of opening one slot during a scan
type SlotStatus struct {
	Index  int
	Serial string

	// Err is nil for a slot that opened, otherwise an Error of KindNotPresent or KindOpenFailed
	Err error
}

// Present is true when the slot opened
func (s SlotStatus) Present() bool {
	return s.Err == nil
}

// Selector chooses among the devices found by a scan
type Selector struct {
	// Serial picks the device with this serial number.  "" or "auto" picks the first one that opens
	Serial string

	// SettleDelay is copied to the chosen Device, 0 for DefaultSettleDelay
	SettleDelay time.Duration

	Logger *slog.Logger
}

func (s Selector) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s Selector) wants(serial string) bool {
	if s.Serial == "" || strings.EqualFold(s.Serial, "auto") {
		return true
	}
	return s.Serial == serial
}

// Scan tries to open every slot.  The devices that opened are returned open,
// in slot order
func Scan(lib phlib.Library) ([]*Device, []SlotStatus) {
	var devs []*Device
	stats := make([]SlotStatus, 0, phlib.MaxDevNum)
	for i := 0; i < phlib.MaxDevNum; i++ {
		d, err := Open(lib, i)
		if err != nil {
			stats = append(stats, SlotStatus{Index: i, Err: err})
			continue
		}
		stats = append(stats, SlotStatus{Index: i, Serial: d.Serial})
		devs = append(devs, d)
	}
	return devs, stats
}

// Discover scans every slot and returns the selected device, closing the
// other devices that opened.  With nothing usable the error is of
// KindOpenFailed if some slot held a device that could not be claimed, and
// KindNotPresent otherwise
func Discover(lib phlib.Library, sel Selector) (*Device, []SlotStatus, error) {
	log := sel.logger()
	devs, stats := Scan(lib)
	var chosen *Device
	for _, d := range devs {
		if chosen == nil && sel.wants(d.Serial) {
			chosen = d
			continue
		}
		if err := d.Close(); err != nil {
			log.Warn("closing unused device", "slot", d.Index, "err", err)
		}
	}
	for _, s := range stats {
		switch {
		case s.Present():
			log.Debug("device found", "slot", s.Index, "serial", s.Serial)
		case errors.Is(s.Err, ErrNotPresent):
			log.Debug("no device", "slot", s.Index)
		default:
			log.Warn("device could not be opened", "slot", s.Index, "err", s.Err)
		}
	}
	if chosen == nil {
		for _, s := range stats {
			if errors.Is(s.Err, ErrOpenFailed) {
				return nil, stats, s.Err
			}
		}
		msg := "no device available"
		if !sel.wants("") {
			msg = fmt.Sprintf("no device with serial %s", sel.Serial)
		}
		return nil, stats, &Error{Kind: KindNotPresent, Step: StepOpen, Slot: -1, Channel: NoChannel, Err: errors.New(msg)}
	}
	if sel.SettleDelay > 0 {
		chosen.SettleDelay = sel.SettleDelay
	}
	chosen.Logger = sel.Logger
	log.Info("using device", "slot", chosen.Index, "serial", chosen.Serial)
	return chosen, stats, nil
}

// CloseAll closes every slot, open or not.  Every slot is attempted and the
// failures, each an Error of KindTeardown, are combined
func CloseAll(lib phlib.Library) error {
	var err error
	for i := 0; i < phlib.MaxDevNum; i++ {
		if cerr := lib.CloseDevice(i); cerr != nil {
			err = multierr.Append(err, wrap(lib, KindTeardown, StepClose, i, NoChannel, cerr))
		}
	}
	return err
}

// CheckVersion reads the library version and logs a warning if it is not
// the version this module was written for
func CheckVersion(lib phlib.Library, log *slog.Logger) (string, error) {
	v, err := lib.Version()
	if err != nil {
		return "", err
	}
	if log == nil {
		log = slog.Default()
	}
	if v != phlib.LibVersion {
		log.Warn("PHLib version mismatch", "have", v, "want", phlib.LibVersion)
	}
	return v, nil
}

// Acquire discovers a device, initializes it in mode, calibrates it and calls
// fn with it.  Every slot is closed when Acquire returns, on every path
func Acquire(lib phlib.Library, sel Selector, mode phlib.Mode, fn func(*Device) error) (err error) {
	defer func() {
		err = multierr.Append(err, CloseAll(lib))
	}()
	if _, err := CheckVersion(lib, sel.logger()); err != nil {
		sel.logger().Warn("could not read PHLib version", "err", err)
	}
	d, _, err := Discover(lib, sel)
	if err != nil {
		return err
	}
	if err = d.Initialize(mode); err != nil {
		return err
	}
	if err = d.Calibrate(); err != nil {
		return err
	}
	return fn(d)
}
