// Package phlib describes the PicoQuant PicoHarp 300 programming library
// (PHLib).  The library is reached through the Library interface, which is
// satisfied by the cgo binding (build tag phlib) and by Simulator.
//
// Every method takes the device index as its first argument, exactly like the
// C API.  Errors returned by a Library are DRVError values.
package phlib

import "fmt"

// LibVersion is the PHLib version this package was written against
const LibVersion = "3.0"

const (
	// MaxDevNum is the number of device slots PHLib scans
	MaxDevNum = 8

	// HistChan is the number of bins in one histogram block
	HistChan = 65536

	// TTReadMax is the largest number of records one FIFO read may return
	TTReadMax = 131072

	// FIFOReadStep is the granularity of FIFO read requests
	FIFOReadStep = 512

	// BinStepsMax is the number of binning steps, binning is 0..BinStepsMax-1
	BinStepsMax = 8

	// MaxBlocks is the number of histogram memory blocks
	MaxBlocks = 8

	// InputChannels is the number of timing inputs (sync / channel 0 and channel 1)
	InputChannels = 2
)

// parameter limits from phdefin.h
const (
	ZCMin        = 0
	ZCMax        = 20
	DiscrMin     = 0
	DiscrMax     = 800
	OffsetMin    = 0
	OffsetMax    = 1000000000
	AcqTMin      = 1
	AcqTMax      = 360000000
	PHR800LvMin  = -1600
	PHR800LvMax  = 2400
	PHR800CFDMin = 0
	PHR800CFDMax = 800
	PHR800ZCMin  = 0
	PHR800ZCMax  = 20

	// StopCountMax is the largest count for SetStopOverflow
	StopCountMax = 65535
)

// SyncDividers are the legal arguments to SetSyncDiv
var SyncDividers = []int{1, 2, 4, 8}

// Mode is a measurement mode passed to Initialize
type Mode int

const (
	// ModeHist is histogramming
	ModeHist Mode = 0

	// ModeT2 is TTTR T2 event streaming
	ModeT2 Mode = 2

	// ModeT3 is TTTR T3 event streaming
	ModeT3 Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeHist:
		return "HIST"
	case ModeT2:
		return "T2"
	case ModeT3:
		return "T3"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// TTTR is true for the event streaming modes
func (m Mode) TTTR() bool {
	return m == ModeT2 || m == ModeT3
}

// Flags is the status word returned by GetFlags
type Flags int

// flag bits
const (
	FlagFIFOFull Flags = 0x0003
	FlagOverflow Flags = 0x0040
	FlagSysError Flags = 0x0100
)

// FIFOFull is true when the TTTR FIFO overran
func (f Flags) FIFOFull() bool {
	return f&FlagFIFOFull != 0
}

// Overflow is true when a histogram bin reached the stop count
func (f Flags) Overflow() bool {
	return f&FlagOverflow != 0
}

// SysError is true when the hardware reports a system error
func (f Flags) SysError() bool {
	return f&FlagSysError != 0
}

// HardwareInfo is the response of GetHardwareInfo
type HardwareInfo struct {
	Model   string
	PartNo  string
	Version string
}

// RouterInfo is the response of GetRouterVersion
type RouterInfo struct {
	Model   string
	Version string
}

// PHR800 is the model string of the PHR 800 router, the only router with
// programmable inputs
const PHR800 = "PHR 800"

// Library is the set of PHLib calls used by this module
type Library interface {
	// Version returns the library version string
	Version() (string, error)

	// ErrorString returns the library's text for an error code
	ErrorString(code DRVError) string

	// OpenDevice claims a device slot and returns its serial number
	OpenDevice(idx int) (string, error)

	// CloseDevice releases a device slot.  Closing a slot that is not open is not an error
	CloseDevice(idx int) error

	Initialize(idx int, mode Mode) error
	HardwareInfo(idx int) (HardwareInfo, error)
	Calibrate(idx int) error

	SetSyncDiv(idx, div int) error
	SetInputCFD(idx, channel, level, zeroCross int) error
	SetBinning(idx, binning int) error
	SetOffset(idx, offset int) error
	SetStopOverflow(idx int, stop bool, count int) error

	// Resolution returns the bin width in picoseconds
	Resolution(idx int) (float64, error)

	// CountRate returns the rate on an input in counts per second
	CountRate(idx, channel int) (int, error)

	// Warnings returns the hardware warning bits
	Warnings(idx int) (int, error)

	EnableRouting(idx int, enable bool) error
	RoutingChannels(idx int) (int, error)
	RouterVersion(idx int) (RouterInfo, error)
	SetPHR800Input(idx, channel, level, edge int) error
	SetPHR800CFD(idx, channel, level, zeroCross int) error

	ClearHistMem(idx, block int) error

	// StartMeas starts a measurement of tacq milliseconds
	StartMeas(idx, tacq int) error

	// StopMeas stops a measurement.  Stopping a stopped device is not an error
	StopMeas(idx int) error

	// CTCStatus is true once the acquisition time has elapsed
	CTCStatus(idx int) (bool, error)

	Flags(idx int) (Flags, error)

	// ElapsedMeasTime returns the elapsed measurement time in milliseconds
	ElapsedMeasTime(idx int) (float64, error)

	// Histogram copies histogram block into counts, which must hold HistChan values
	Histogram(idx, block int, counts []uint32) error

	// ReadFIFO copies up to len(buf) TTTR records into buf and returns how many
	// were copied.  It never waits for records to arrive.  len(buf) must be a
	// multiple of FIFOReadStep and no more than TTReadMax
	ReadFIFO(idx int, buf []uint32) (int, error)
}
