package picoharp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nasa-jpl/tcspc/phlib"
)

// Kind classifies an Error
type Kind int

const (
	// KindNotPresent is an empty device slot.  It is an expected outcome of scanning
	KindNotPresent Kind = iota + 1

	// KindOpenFailed is a slot with a device that could not be claimed
	KindOpenFailed

	KindInitialization
	KindCalibration
	KindConfiguration

	// KindRuntime is a control call failure during a measurement cycle
	KindRuntime

	// KindOverrun is a TTTR FIFO overrun
	KindOverrun

	// KindIO is a failure writing results
	KindIO

	// KindTeardown is a slot that could not be closed
	KindTeardown
)

var kindNames = map[Kind]string{
	KindNotPresent:     "device not present",
	KindOpenFailed:     "device open failed",
	KindInitialization: "initialization failed",
	KindCalibration:    "calibration failed",
	KindConfiguration:  "configuration failed",
	KindRuntime:        "acquisition error",
	KindOverrun:        "FIFO overrun",
	KindIO:             "result write failed",
	KindTeardown:       "device close failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Step names the instrument call an Error came from
type Step string

// steps of the device lifecycle and the measurement cycle
const (
	StepOpen            Step = "OpenDevice"
	StepClose           Step = "CloseDevice"
	StepInitialize      Step = "Initialize"
	StepHardwareInfo    Step = "GetHardwareInfo"
	StepCalibrate       Step = "Calibrate"
	StepSyncDivider     Step = "SetSyncDiv"
	StepInputCFD        Step = "SetInputCFD"
	StepBinning         Step = "SetBinning"
	StepOffset          Step = "SetOffset"
	StepEnableRouting   Step = "EnableRouting"
	StepRoutingChannels Step = "GetRoutingChannels"
	StepRouterVersion   Step = "GetRouterVersion"
	StepRouterInput     Step = "SetPHR800Input"
	StepRouterCFD       Step = "SetPHR800CFD"
	StepResolution      Step = "GetResolution"
	StepStopOverflow    Step = "SetStopOverflow"
	StepCountRate       Step = "GetCountRate"
	StepWarnings        Step = "GetWarnings"
	StepClear           Step = "ClearHistMem"
	StepFlags           Step = "GetFlags"
	StepStart           Step = "StartMeas"
	StepStop            Step = "StopMeas"
	StepCTC             Step = "CTCStatus"
	StepHistogram       Step = "GetHistogram"
	StepReadFIFO        Step = "ReadFiFo"
	StepElapsed         Step = "GetElapsedMeasTime"
	StepWrite           Step = "write"
)

// NoChannel is the Channel of an Error whose step has no channel argument
const NoChannel = -1

// Error is the error type returned by this package and by acquisition.
// Compare with errors.Is against the sentinels; a sentinel with a Step only
// matches errors from that step
type Error struct {
	Kind Kind
	Step Step

	// Slot is the device index
	Slot int

	// Channel is the input, routing channel or histogram block of the step, or NoChannel
	Channel int

	// Code is the PHLib code, 0 for errors that did not come from the library
	Code phlib.DRVError

	// Text is the library's description of Code
	Text string

	Err error
}

// sentinels for errors.Is
var (
	ErrNotPresent     = &Error{Kind: KindNotPresent}
	ErrOpenFailed     = &Error{Kind: KindOpenFailed}
	ErrInitialization = &Error{Kind: KindInitialization}
	ErrCalibration    = &Error{Kind: KindCalibration}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrRuntime        = &Error{Kind: KindRuntime}
	ErrOverrun        = &Error{Kind: KindOverrun}
	ErrIO             = &Error{Kind: KindIO}
	ErrTeardown       = &Error{Kind: KindTeardown}
)

func (e *Error) Error() string {
	b := strings.Builder{}
	b.WriteString(e.Kind.String())
	if e.Step != "" {
		b.WriteString(" at ")
		b.WriteString(string(e.Step))
		if e.Channel != NoChannel {
			fmt.Fprintf(&b, "(%d)", e.Channel)
		}
	}
	if e.Kind == KindNotPresent || e.Kind == KindOpenFailed || e.Kind == KindTeardown {
		fmt.Fprintf(&b, " on slot %d", e.Slot)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Text != "" && (e.Err == nil || !strings.Contains(e.Err.Error(), e.Text)) {
		fmt.Fprintf(&b, " (%s)", e.Text)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Step when the target has one
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Step == "" || t.Step == e.Step
}

// wrap builds an Error from a library error, filling in the code and its text
func wrap(lib phlib.Library, kind Kind, step Step, slot, channel int, err error) *Error {
	e := &Error{Kind: kind, Step: step, Slot: slot, Channel: channel, Err: err}
	if code := phlib.Code(err); code != phlib.ErrNone {
		e.Code = code
		if lib != nil {
			e.Text = lib.ErrorString(code)
		}
	}
	return e
}

// KindOf returns the Kind of the first Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
