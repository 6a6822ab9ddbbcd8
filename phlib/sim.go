package phlib

import (
	"math"
	"sync"
	"time"
)

// AnyArg matches every argument in FailOn
const AnyArg = -1

// Call is one recorded invocation of a Simulator method
type Call struct {
	Name string
	Args []int
}

type failure struct {
	call string
	arg  int
	code DRVError
}

type simDevice struct {
	open        bool
	initialized bool
	calibrated  bool
	mode        Mode

	syncDiv   int
	binning   int
	offset    int
	routing   bool
	stopOvfl  bool
	stopCount int

	measuring bool
	started   time.Time
	ctcPolls  int
	flagPolls int
	fifoFull  bool
	overflow  bool

	hist    [MaxBlocks][]uint32
	pending [MaxBlocks][]int
}

// Simulator is an in-memory PicoHarp.  It is safe for concurrent use.
//
// Histogram events added with InjectEvents land in histogram memory a share at
// a time on each CTCStatus poll, so memory sampled mid-measurement grows
// monotonically.  TTTR records added with QueueRecords are handed out one
// queued block per ReadFIFO call.
type Simulator struct {
	sync.Mutex

	// Serials holds the serial number of the device in each slot, "" for an empty slot
	Serials [MaxDevNum]string

	// Busy marks slots held by another process
	Busy [MaxDevNum]bool

	LibraryVersion string
	Hardware       HardwareInfo
	Router         RouterInfo

	// RouterFitted makes EnableRouting succeed
	RouterFitted bool

	// RouterChannels is the number of routing channels reported
	RouterChannels int

	// BaseResolution is the bin width at binning 0, in ps
	BaseResolution float64

	// Rates are the count rates of the two inputs
	Rates [InputChannels]int

	// WarningBits is returned by Warnings
	WarningBits int

	// CTCAfter is the number of CTCStatus polls after StartMeas until the
	// acquisition time is reported elapsed
	CTCAfter int

	// FIFOFullAt is the 1-based Flags poll after StartMeas at which the FIFO
	// overruns, 0 for never
	FIFOFullAt int

	failures []failure
	calls    []Call
	fifo     [][]uint32
	devs     [MaxDevNum]simDevice
}

// NewSimulator returns a Simulator with one PicoHarp 300 in slot 0 and a PHR 800
// router with four channels
func NewSimulator() *Simulator {
	s := &Simulator{
		LibraryVersion: LibVersion,
		Hardware:       HardwareInfo{Model: "PicoHarp 300", PartNo: "930004", Version: "2.0"},
		Router:         RouterInfo{Model: PHR800, Version: "1.0"},
		RouterFitted:   true,
		RouterChannels: 4,
		BaseResolution: 4,
		Rates:          [InputChannels]int{100000, 20000},
		CTCAfter:       10,
	}
	s.Serials[0] = "1020304"
	return s
}

// FailOn makes every call named call whose first argument after the device
// index equals arg (or any, with AnyArg) fail with code
func (s *Simulator) FailOn(call string, arg int, code DRVError) {
	s.Lock()
	defer s.Unlock()
	s.failures = append(s.failures, failure{call: call, arg: arg, code: code})
}

// ClearFailures removes all injected failures
func (s *Simulator) ClearFailures() {
	s.Lock()
	defer s.Unlock()
	s.failures = nil
}

// InjectEvents schedules n detected events into a histogram block.
// Bins are spread deterministically over the histogram
func (s *Simulator) InjectEvents(idx, block, n int) {
	s.Lock()
	defer s.Unlock()
	d := &s.devs[idx]
	for i := 0; i < n; i++ {
		d.pending[block] = append(d.pending[block], (i*7919+block*131)%HistChan)
	}
}

// QueueRecords makes recs available as one block of the TTTR FIFO
func (s *Simulator) QueueRecords(recs []uint32) {
	s.Lock()
	defer s.Unlock()
	cp := make([]uint32, len(recs))
	copy(cp, recs)
	s.fifo = append(s.fifo, cp)
}

// Calls returns a copy of the call log
func (s *Simulator) Calls() []Call {
	s.Lock()
	defer s.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Count returns how many times call was made
func (s *Simulator) Count(call string) int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Name == call {
			n++
		}
	}
	return n
}

// Measuring is true while a measurement runs on the device in slot idx
func (s *Simulator) Measuring(idx int) bool {
	s.Lock()
	defer s.Unlock()
	return s.devs[idx].measuring
}

// IsOpen is true if slot idx is open
func (s *Simulator) IsOpen(idx int) bool {
	s.Lock()
	defer s.Unlock()
	return s.devs[idx].open
}

// record logs the call and returns an injected failure, if any.  Must hold the lock
func (s *Simulator) record(call string, args ...int) error {
	s.calls = append(s.calls, Call{Name: call, Args: args})
	for _, f := range s.failures {
		if f.call != call {
			continue
		}
		if f.arg == AnyArg || (len(args) > 1 && args[1] == f.arg) {
			return f.code
		}
	}
	return nil
}

// device checks the slot is valid and open.  Must hold the lock
func (s *Simulator) device(idx int) (*simDevice, error) {
	if idx < 0 || idx >= MaxDevNum {
		return nil, ErrInvalidArgument
	}
	d := &s.devs[idx]
	if !d.open {
		return nil, ErrDeviceNotOpen
	}
	return d, nil
}

// ready checks the device is open and initialized.  Must hold the lock
func (s *Simulator) ready(idx int) (*simDevice, error) {
	d, err := s.device(idx)
	if err != nil {
		return nil, err
	}
	if !d.initialized {
		return nil, ErrNotInitialized
	}
	return d, nil
}

// Version returns LibraryVersion
func (s *Simulator) Version() (string, error) {
	s.Lock()
	defer s.Unlock()
	return s.LibraryVersion, s.record("Version")
}

// ErrorString returns the errorcodes.h name of code
func (s *Simulator) ErrorString(code DRVError) string {
	if str, ok := ErrCodes[code]; ok {
		return str
	}
	return code.Error()
}

// OpenDevice opens a slot
func (s *Simulator) OpenDevice(idx int) (string, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("OpenDevice", idx); err != nil {
		return "", err
	}
	if idx < 0 || idx >= MaxDevNum {
		return "", ErrInvalidArgument
	}
	if s.Serials[idx] == "" {
		return "", ErrDeviceOpenFail
	}
	if s.Busy[idx] {
		return "", ErrDeviceBusy
	}
	s.devs[idx].open = true
	return s.Serials[idx], nil
}

// CloseDevice closes a slot and discards its state
func (s *Simulator) CloseDevice(idx int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("CloseDevice", idx); err != nil {
		return err
	}
	if idx < 0 || idx >= MaxDevNum {
		return ErrInvalidArgument
	}
	pending := s.devs[idx].pending
	s.devs[idx] = simDevice{pending: pending}
	return nil
}

// Initialize selects the measurement mode
func (s *Simulator) Initialize(idx int, mode Mode) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("Initialize", idx, int(mode)); err != nil {
		return err
	}
	d, err := s.device(idx)
	if err != nil {
		return err
	}
	if mode != ModeHist && !mode.TTTR() {
		return ErrInvalidMode
	}
	d.initialized = true
	d.calibrated = false
	d.mode = mode
	d.syncDiv = 1
	for i := range d.hist {
		d.hist[i] = make([]uint32, HistChan)
	}
	return nil
}

// HardwareInfo returns Hardware
func (s *Simulator) HardwareInfo(idx int) (HardwareInfo, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("HardwareInfo", idx); err != nil {
		return HardwareInfo{}, err
	}
	if _, err := s.ready(idx); err != nil {
		return HardwareInfo{}, err
	}
	return s.Hardware, nil
}

// Calibrate marks the device calibrated
func (s *Simulator) Calibrate(idx int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("Calibrate", idx); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	d.calibrated = true
	return nil
}

// SetSyncDiv sets the sync divider
func (s *Simulator) SetSyncDiv(idx, div int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("SetSyncDiv", idx, div); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	for _, v := range SyncDividers {
		if v == div {
			d.syncDiv = div
			return nil
		}
	}
	return ErrInvalidArgument
}

// SetInputCFD sets the discriminator of an input
func (s *Simulator) SetInputCFD(idx, channel, level, zeroCross int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("SetInputCFD", idx, channel, level, zeroCross); err != nil {
		return err
	}
	if _, err := s.ready(idx); err != nil {
		return err
	}
	if channel < 0 || channel >= InputChannels ||
		level < DiscrMin || level > DiscrMax ||
		zeroCross < ZCMin || zeroCross > ZCMax {
		return ErrInvalidArgument
	}
	return nil
}

// SetBinning sets the binning exponent
func (s *Simulator) SetBinning(idx, binning int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("SetBinning", idx, binning); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if binning < 0 || binning >= BinStepsMax {
		return ErrInvalidArgument
	}
	d.binning = binning
	return nil
}

// SetOffset sets the histogram offset
func (s *Simulator) SetOffset(idx, offset int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("SetOffset", idx, offset); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if offset < OffsetMin || offset > OffsetMax {
		return ErrInvalidArgument
	}
	d.offset = offset
	return nil
}

// SetStopOverflow sets the bin count at which a histogram measurement stops
func (s *Simulator) SetStopOverflow(idx int, stop bool, count int) error {
	s.Lock()
	defer s.Unlock()
	b := 0
	if stop {
		b = 1
	}
	if err := s.record("SetStopOverflow", idx, b, count); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if count < 1 || count > StopCountMax {
		return ErrInvalidArgument
	}
	d.stopOvfl = stop
	d.stopCount = count
	return nil
}

// Resolution returns BaseResolution scaled by the binning
func (s *Simulator) Resolution(idx int) (float64, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("Resolution", idx); err != nil {
		return 0, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return 0, err
	}
	return s.BaseResolution * math.Pow(2, float64(d.binning)), nil
}

// CountRate returns Rates[channel]
func (s *Simulator) CountRate(idx, channel int) (int, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("CountRate", idx, channel); err != nil {
		return 0, err
	}
	if _, err := s.ready(idx); err != nil {
		return 0, err
	}
	if channel < 0 || channel >= InputChannels {
		return 0, ErrInvalidArgument
	}
	return s.Rates[channel], nil
}

// Warnings returns WarningBits
func (s *Simulator) Warnings(idx int) (int, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("Warnings", idx); err != nil {
		return 0, err
	}
	if _, err := s.ready(idx); err != nil {
		return 0, err
	}
	return s.WarningBits, nil
}

// EnableRouting fails with ErrInvalidOption when no router is fitted
func (s *Simulator) EnableRouting(idx int, enable bool) error {
	s.Lock()
	defer s.Unlock()
	b := 0
	if enable {
		b = 1
	}
	if err := s.record("EnableRouting", idx, b); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if enable && !s.RouterFitted {
		return ErrInvalidOption
	}
	d.routing = enable
	return nil
}

// RoutingChannels returns RouterChannels
func (s *Simulator) RoutingChannels(idx int) (int, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("RoutingChannels", idx); err != nil {
		return 0, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return 0, err
	}
	if !d.routing {
		return 1, nil
	}
	return s.RouterChannels, nil
}

// RouterVersion returns Router
func (s *Simulator) RouterVersion(idx int) (RouterInfo, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("RouterVersion", idx); err != nil {
		return RouterInfo{}, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return RouterInfo{}, err
	}
	if !d.routing {
		return RouterInfo{}, ErrInvalidOption
	}
	return s.Router, nil
}

// SetPHR800Input configures a router input
func (s *Simulator) SetPHR800Input(idx, channel, level, edge int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("SetPHR800Input", idx, channel, level, edge); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if !d.routing || s.Router.Model != PHR800 {
		return ErrInvalidOption
	}
	if channel < 0 || channel >= s.RouterChannels ||
		level < PHR800LvMin || level > PHR800LvMax || edge < 0 || edge > 1 {
		return ErrInvalidArgument
	}
	return nil
}

// SetPHR800CFD configures a router CFD
func (s *Simulator) SetPHR800CFD(idx, channel, level, zeroCross int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("SetPHR800CFD", idx, channel, level, zeroCross); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if !d.routing || s.Router.Model != PHR800 {
		return ErrInvalidOption
	}
	if channel < 0 || channel >= s.RouterChannels ||
		level < PHR800CFDMin || level > PHR800CFDMax ||
		zeroCross < PHR800ZCMin || zeroCross > PHR800ZCMax {
		return ErrInvalidArgument
	}
	return nil
}

// ClearHistMem zeros a histogram block and the overflow flag
func (s *Simulator) ClearHistMem(idx, block int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("ClearHistMem", idx, block); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if d.mode != ModeHist {
		return ErrInvalidMode
	}
	if block < 0 || block >= MaxBlocks {
		return ErrInvalidArgument
	}
	for i := range d.hist[block] {
		d.hist[block][i] = 0
	}
	d.overflow = false
	return nil
}

// StartMeas starts a measurement.  Counters for CTCAfter and FIFOFullAt restart here
func (s *Simulator) StartMeas(idx, tacq int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("StartMeas", idx, tacq); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if !d.calibrated {
		return ErrNotCalibrated
	}
	if d.measuring {
		return ErrInstanceRunning
	}
	if tacq < AcqTMin || tacq > AcqTMax {
		return ErrInvalidArgument
	}
	d.measuring = true
	d.started = time.Now()
	d.ctcPolls = 0
	d.flagPolls = 0
	d.fifoFull = false
	return nil
}

// StopMeas stops a measurement
func (s *Simulator) StopMeas(idx int) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("StopMeas", idx); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	d.measuring = false
	return nil
}

// CTCStatus releases a share of the pending histogram events and reports
// completion once CTCAfter polls have been made
func (s *Simulator) CTCStatus(idx int) (bool, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("CTCStatus", idx); err != nil {
		return false, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return false, err
	}
	if !d.measuring {
		return true, nil
	}
	d.ctcPolls++
	remaining := s.CTCAfter - d.ctcPolls + 1
	if remaining < 1 {
		remaining = 1
	}
	if d.mode == ModeHist {
		s.release(d, remaining)
	}
	if d.ctcPolls >= s.CTCAfter {
		d.measuring = false
		return true, nil
	}
	return false, nil
}

// release moves 1/polls of every pending block into histogram memory.  Must hold the lock
func (s *Simulator) release(d *simDevice, polls int) {
	for b := range d.pending {
		p := d.pending[b]
		if len(p) == 0 {
			continue
		}
		n := (len(p) + polls - 1) / polls
		for _, bin := range p[:n] {
			if d.stopOvfl && d.hist[b][bin] >= uint32(d.stopCount) {
				d.overflow = true
				continue
			}
			d.hist[b][bin]++
		}
		d.pending[b] = p[n:]
	}
}

// Flags reports overflow and, on poll FIFOFullAt, FIFO full
func (s *Simulator) Flags(idx int) (Flags, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("Flags", idx); err != nil {
		return 0, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return 0, err
	}
	if d.measuring {
		d.flagPolls++
		if s.FIFOFullAt > 0 && d.flagPolls >= s.FIFOFullAt {
			d.fifoFull = true
		}
	}
	var f Flags
	if d.fifoFull {
		f |= FlagFIFOFull
	}
	if d.overflow {
		f |= FlagOverflow
	}
	return f, nil
}

// ElapsedMeasTime returns the wall time since StartMeas
func (s *Simulator) ElapsedMeasTime(idx int) (float64, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("ElapsedMeasTime", idx); err != nil {
		return 0, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return 0, err
	}
	if d.started.IsZero() {
		return 0, nil
	}
	return float64(time.Since(d.started)) / float64(time.Millisecond), nil
}

// Histogram copies a histogram block
func (s *Simulator) Histogram(idx, block int, counts []uint32) error {
	s.Lock()
	defer s.Unlock()
	if err := s.record("Histogram", idx, block); err != nil {
		return err
	}
	d, err := s.ready(idx)
	if err != nil {
		return err
	}
	if d.mode != ModeHist {
		return ErrInvalidMode
	}
	if block < 0 || block >= MaxBlocks {
		return ErrInvalidArgument
	}
	if len(counts) < HistChan {
		return ErrInvalidMemory
	}
	copy(counts, d.hist[block])
	return nil
}

// ReadFIFO returns up to len(buf) records from the head queued block
func (s *Simulator) ReadFIFO(idx int, buf []uint32) (int, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.record("ReadFIFO", idx, len(buf)); err != nil {
		return 0, err
	}
	d, err := s.ready(idx)
	if err != nil {
		return 0, err
	}
	if !d.mode.TTTR() {
		return 0, ErrInvalidMode
	}
	if len(buf) == 0 || len(buf) > TTReadMax || len(buf)%FIFOReadStep != 0 {
		return 0, ErrInvalidArgument
	}
	if len(s.fifo) == 0 {
		return 0, nil
	}
	head := s.fifo[0]
	n := copy(buf, head)
	if n == len(head) {
		s.fifo = s.fifo[1:]
	} else {
		s.fifo[0] = head[n:]
	}
	return n, nil
}
