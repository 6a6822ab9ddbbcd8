package picoharp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nasa-jpl/tcspc/phlib"
)

// MinSettleDelay is the shortest wait after Initialize or SetSyncDiv before
// count rates are valid
const MinSettleDelay = 100 * time.Millisecond

// DefaultSettleDelay is the settle wait used when none is given
const DefaultSettleDelay = 200 * time.Millisecond

var errAlreadyInitialized = errors.New("device is already initialized")
var errNotInitialized = errors.New("device is not initialized")
var errNotCalibrated = errors.New("device is not calibrated")
var errClosed = errors.New("device is closed")

// Device is an open PicoHarp slot.  It is not safe for concurrent use; the
// acquisition controller serializes access
type Device struct {
	lib phlib.Library

	// Index is the slot number, 0..phlib.MaxDevNum-1
	Index int

	// Serial is the serial number reported at open
	Serial string

	// Info is filled in by Initialize
	Info phlib.HardwareInfo

	// Router is filled in by Configure in routed mode
	Router phlib.RouterInfo

	// RouterWarnings holds the router channel settings that failed during the
	// last Configure.  They do not fail the configuration
	RouterWarnings []error

	// SettleDelay is the wait before count rates are trusted, at least MinSettleDelay
	SettleDelay time.Duration

	// Logger receives lifecycle messages
	Logger *slog.Logger

	mode        phlib.Mode
	initialized bool
	calibrated  bool
	configured  bool
	closed      bool

	channels    int
	resolution  Resolution
	settleUntil time.Time
}

// Open claims device slot idx.  An empty slot yields an Error of KindNotPresent,
// any other failure KindOpenFailed
func Open(lib phlib.Library, idx int) (*Device, error) {
	serial, err := lib.OpenDevice(idx)
	if err != nil {
		kind := KindOpenFailed
		if phlib.Code(err) == phlib.ErrDeviceOpenFail {
			kind = KindNotPresent
		}
		return nil, wrap(lib, kind, StepOpen, idx, NoChannel, err)
	}
	return &Device{
		lib:         lib,
		Index:       idx,
		Serial:      serial,
		SettleDelay: DefaultSettleDelay,
		Logger:      slog.Default(),
	}, nil
}

func (d *Device) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger.With("slot", d.Index, "serial", d.Serial)
}

func (d *Device) settle() {
	delay := d.SettleDelay
	if delay < MinSettleDelay {
		delay = MinSettleDelay
	}
	d.settleUntil = time.Now().Add(delay)
}

// Initialize selects the measurement mode and reads the hardware info.  It
// may be called once per open device
func (d *Device) Initialize(mode phlib.Mode) error {
	if d.closed {
		return &Error{Kind: KindInitialization, Step: StepInitialize, Slot: d.Index, Channel: NoChannel, Err: errClosed}
	}
	if d.initialized {
		return &Error{Kind: KindInitialization, Step: StepInitialize, Slot: d.Index, Channel: NoChannel, Err: errAlreadyInitialized}
	}
	if err := d.lib.Initialize(d.Index, mode); err != nil {
		return wrap(d.lib, KindInitialization, StepInitialize, d.Index, NoChannel, err)
	}
	d.initialized = true
	d.mode = mode
	d.settle()
	info, err := d.lib.HardwareInfo(d.Index)
	if err != nil {
		return wrap(d.lib, KindInitialization, StepHardwareInfo, d.Index, NoChannel, err)
	}
	d.Info = info
	d.log().Info("device initialized", "mode", mode.String(), "model", info.Model, "partno", info.PartNo, "version", info.Version)
	return nil
}

// Calibrate runs the hardware calibration.  It must follow Initialize
func (d *Device) Calibrate() error {
	if !d.initialized {
		return &Error{Kind: KindCalibration, Step: StepCalibrate, Slot: d.Index, Channel: NoChannel, Err: errNotInitialized}
	}
	if err := d.lib.Calibrate(d.Index); err != nil {
		return wrap(d.lib, KindCalibration, StepCalibrate, d.Index, NoChannel, err)
	}
	d.calibrated = true
	return nil
}

func (d *Device) cfgErr(step Step, channel int, err error) error {
	return wrap(d.lib, KindConfiguration, step, d.Index, channel, err)
}

// Configure applies cfg in the fixed order sync divider, input discriminators,
// binning, offset, then for routed mode the router, then reads the resolution
// and finally sets the stop-on-overflow threshold for histogram modes.  The
// first failing call aborts the sequence.
//
// Router channel settings on a PHR 800 are applied best-effort: a failing
// channel is logged and recorded in RouterWarnings, since not every channel
// need be fitted
func (d *Device) Configure(cfg Config) (Resolution, error) {
	if !d.calibrated {
		return 0, &Error{Kind: KindConfiguration, Slot: d.Index, Channel: NoChannel, Err: errNotCalibrated}
	}
	if want := cfg.HardwareMode(); want != d.mode {
		return 0, &Error{Kind: KindConfiguration, Slot: d.Index, Channel: NoChannel,
			Err: fmt.Errorf("%s acquisition needs mode %s, device was initialized in %s", cfg.Mode, want, d.mode)}
	}
	d.configured = false
	d.RouterWarnings = nil

	if err := d.lib.SetSyncDiv(d.Index, cfg.SyncDivider); err != nil {
		return 0, d.cfgErr(StepSyncDivider, NoChannel, err)
	}
	d.settle()
	for ch := 0; ch < phlib.InputChannels; ch++ {
		in := cfg.Input(ch)
		if err := d.lib.SetInputCFD(d.Index, ch, in.Level, in.ZeroCross); err != nil {
			return 0, d.cfgErr(StepInputCFD, ch, err)
		}
	}
	if err := d.lib.SetBinning(d.Index, cfg.Binning); err != nil {
		return 0, d.cfgErr(StepBinning, NoChannel, err)
	}
	if err := d.lib.SetOffset(d.Index, cfg.Offset); err != nil {
		return 0, d.cfgErr(StepOffset, NoChannel, err)
	}

	channels := 0
	switch cfg.Mode {
	case Histogram:
		channels = 1
	case RoutedHistogram:
		n, err := d.configureRouter(cfg.Router)
		if err != nil {
			return 0, err
		}
		channels = n
	}

	res, err := d.lib.Resolution(d.Index)
	if err != nil {
		return 0, d.cfgErr(StepResolution, NoChannel, err)
	}
	if cfg.Mode.Histograms() && cfg.StopOverflow.Enabled {
		if err := d.lib.SetStopOverflow(d.Index, true, cfg.StopOverflow.Count); err != nil {
			return 0, d.cfgErr(StepStopOverflow, NoChannel, err)
		}
	}
	d.channels = channels
	d.resolution = Resolution(res)
	d.configured = true
	d.log().Info("device configured", "mode", string(cfg.Mode), "resolution", d.resolution.String(), "channels", channels)
	return d.resolution, nil
}

// configureRouter enables routing and checks the channel count.  Returns the
// number of routing channels
func (d *Device) configureRouter(r Router) (int, error) {
	if err := d.lib.EnableRouting(d.Index, true); err != nil {
		return 0, d.cfgErr(StepEnableRouting, NoChannel, err)
	}
	n, err := d.lib.RoutingChannels(d.Index)
	if err != nil {
		return 0, d.cfgErr(StepRoutingChannels, NoChannel, err)
	}
	if n != r.Channels {
		return 0, d.cfgErr(StepRoutingChannels, NoChannel,
			fmt.Errorf("router reports %d routing channels, need %d", n, r.Channels))
	}
	info, err := d.lib.RouterVersion(d.Index)
	if err != nil {
		return 0, d.cfgErr(StepRouterVersion, NoChannel, err)
	}
	d.Router = info
	d.log().Info("router found", "model", info.Model, "version", info.Version)
	if info.Model != phlib.PHR800 {
		return n, nil
	}
	for ch := 0; ch < n && ch < len(r.Inputs); ch++ {
		in := r.Inputs[ch]
		if err := d.lib.SetPHR800Input(d.Index, ch, in.Level, in.Edge); err != nil {
			d.routerWarning(StepRouterInput, ch, err)
		}
	}
	for ch := 0; ch < n && ch < len(r.Inputs); ch++ {
		cfd := r.Inputs[ch].CFD
		if err := d.lib.SetPHR800CFD(d.Index, ch, cfd.Level, cfd.ZeroCross); err != nil {
			d.routerWarning(StepRouterCFD, ch, err)
		}
	}
	return n, nil
}

func (d *Device) routerWarning(step Step, ch int, err error) {
	w := d.cfgErr(step, ch, err)
	d.RouterWarnings = append(d.RouterWarnings, w)
	d.log().Warn("router channel not configured, it may not be installed", "step", string(step), "channel", ch, "err", err)
}

// Mode is the hardware mode the device was initialized in
func (d *Device) Mode() phlib.Mode {
	return d.mode
}

// Channels is the number of histogram blocks in use after Configure: 1 for
// plain histograms, the routing channel count for routed, 0 for streaming
func (d *Device) Channels() int {
	return d.channels
}

// Resolution is the bin width read by the last Configure
func (d *Device) Resolution() Resolution {
	return d.resolution
}

// Configured is true after a successful Configure
func (d *Device) Configured() bool {
	return d.configured
}

// Settled is true once the settle delay since the last Initialize or sync
// divider change has passed
func (d *Device) Settled() bool {
	return !time.Now().Before(d.settleUntil)
}

// WaitSettled blocks until Settled or ctx is done
func (d *Device) WaitSettled(ctx context.Context) error {
	wait := time.Until(d.settleUntil)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountRate returns the count rate of an input in counts per second.  It
// waits for the settle delay first, so it never returns a stale rate
func (d *Device) CountRate(ctx context.Context, ch int) (int, error) {
	if err := d.WaitSettled(ctx); err != nil {
		return 0, err
	}
	rate, err := d.lib.CountRate(d.Index, ch)
	if err != nil {
		return 0, wrap(d.lib, KindRuntime, StepCountRate, d.Index, ch, err)
	}
	return rate, nil
}

// CountRates returns the count rates of both inputs
func (d *Device) CountRates(ctx context.Context) ([]int, error) {
	out := make([]int, phlib.InputChannels)
	for ch := range out {
		r, err := d.CountRate(ctx, ch)
		if err != nil {
			return nil, err
		}
		out[ch] = r
	}
	return out, nil
}

// HardwareWarnings returns the warning bits.  Read it after the count rates
func (d *Device) HardwareWarnings() (int, error) {
	w, err := d.lib.Warnings(d.Index)
	if err != nil {
		return 0, wrap(d.lib, KindRuntime, StepWarnings, d.Index, NoChannel, err)
	}
	return w, nil
}

func (d *Device) rtErr(step Step, channel int, err error) error {
	return wrap(d.lib, KindRuntime, step, d.Index, channel, err)
}

// ClearHistogram zeros histogram block
func (d *Device) ClearHistogram(block int) error {
	if err := d.lib.ClearHistMem(d.Index, block); err != nil {
		return d.rtErr(StepClear, block, err)
	}
	return nil
}

// Flags reads the status flags
func (d *Device) Flags() (phlib.Flags, error) {
	f, err := d.lib.Flags(d.Index)
	if err != nil {
		return 0, d.rtErr(StepFlags, NoChannel, err)
	}
	return f, nil
}

// Start starts a measurement of tacq milliseconds
func (d *Device) Start(tacq int) error {
	if err := d.lib.StartMeas(d.Index, tacq); err != nil {
		return d.rtErr(StepStart, NoChannel, err)
	}
	return nil
}

// Stop stops the measurement.  Stopping a stopped device is fine
func (d *Device) Stop() error {
	if err := d.lib.StopMeas(d.Index); err != nil {
		return d.rtErr(StepStop, NoChannel, err)
	}
	return nil
}

// Completed polls the completion (CTC) status
func (d *Device) Completed() (bool, error) {
	done, err := d.lib.CTCStatus(d.Index)
	if err != nil {
		return false, d.rtErr(StepCTC, NoChannel, err)
	}
	return done, nil
}

// ReadHistogram copies histogram block into counts
func (d *Device) ReadHistogram(block int, counts []uint32) error {
	if err := d.lib.Histogram(d.Index, block, counts); err != nil {
		return d.rtErr(StepHistogram, block, err)
	}
	return nil
}

// ReadFIFO copies the TTTR records available right now into buf
func (d *Device) ReadFIFO(buf []uint32) (int, error) {
	n, err := d.lib.ReadFIFO(d.Index, buf)
	if err != nil {
		return 0, d.rtErr(StepReadFIFO, NoChannel, err)
	}
	return n, nil
}

// Elapsed is the elapsed measurement time
func (d *Device) Elapsed() (time.Duration, error) {
	ms, err := d.lib.ElapsedMeasTime(d.Index)
	if err != nil {
		return 0, d.rtErr(StepElapsed, NoChannel, err)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// Close releases the slot.  Closing twice is a no-op
func (d *Device) Close() error {
	if d == nil || d.closed {
		return nil
	}
	d.closed = true
	d.configured = false
	return d.lib.CloseDevice(d.Index)
}
