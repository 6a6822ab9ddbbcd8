package phlib

import (
	"errors"
	"fmt"
)

// DRVError represents a PHLib error code
type DRVError int

// error codes from errorcodes.h
const (
	ErrNone            DRVError = 0
	ErrDeviceOpenFail  DRVError = -1
	ErrDeviceBusy      DRVError = -2
	ErrDeviceNotOpen   DRVError = -10
	ErrDeviceLocked    DRVError = -11
	ErrInstanceRunning DRVError = -16
	ErrInvalidArgument DRVError = -17
	ErrInvalidMode     DRVError = -18
	ErrInvalidOption   DRVError = -19
	ErrInvalidMemory   DRVError = -20
	ErrNotInitialized  DRVError = -22
	ErrNotCalibrated   DRVError = -23
	ErrStatusFail      DRVError = -29
	ErrUSBBulkReadFail DRVError = -37
	ErrHardwareFirst   DRVError = -64
	ErrHardwareLast    DRVError = -78
)

var (
	// ErrCodes maps error codes to their names in errorcodes.h
	ErrCodes = map[DRVError]string{
		0:   "ERROR_NONE",
		-1:  "ERROR_DEVICE_OPEN_FAIL",
		-2:  "ERROR_DEVICE_BUSY",
		-3:  "ERROR_DEVICE_HEVENT_FAIL",
		-4:  "ERROR_DEVICE_CALLBSET_FAIL",
		-5:  "ERROR_DEVICE_BARMAP_FAIL",
		-6:  "ERROR_DEVICE_CLOSE_FAIL",
		-7:  "ERROR_DEVICE_RESET_FAIL",
		-8:  "ERROR_DEVICE_GETVERSION_FAIL",
		-9:  "ERROR_DEVICE_VERSION_MISMATCH",
		-10: "ERROR_DEVICE_NOT_OPEN",
		-11: "ERROR_DEVICE_LOCKED",
		-16: "ERROR_INSTANCE_RUNNING",
		-17: "ERROR_INVALID_ARGUMENT",
		-18: "ERROR_INVALID_MODE",
		-19: "ERROR_INVALID_OPTION",
		-20: "ERROR_INVALID_MEMORY",
		-21: "ERROR_INVALID_RDATA",
		-22: "ERROR_NOT_INITIALIZED",
		-23: "ERROR_NOT_CALIBRATED",
		-24: "ERROR_DMA_FAIL",
		-25: "ERROR_XTDEVICE_FAIL",
		-26: "ERROR_FPGACONF_FAIL",
		-27: "ERROR_IFCONF_FAIL",
		-28: "ERROR_FIFORESET_FAIL",
		-29: "ERROR_STATUS_FAIL",
		-32: "ERROR_USB_GETDRIVERVER_FAIL",
		-33: "ERROR_USB_DRIVERVER_MISMATCH",
		-34: "ERROR_USB_GETIFINFO_FAIL",
		-35: "ERROR_USB_HISPEED_FAIL",
		-36: "ERROR_USB_VCMD_FAIL",
		-37: "ERROR_USB_BULKRD_FAIL",
	}

	// ErrNoNative is returned by NewNative when the binary was built without the phlib tag
	ErrNoNative = errors.New("phlib: built without PHLib support, rebuild with -tags phlib or use the simulator")
)

func (e DRVError) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	if e <= ErrHardwareFirst && e >= ErrHardwareLast {
		return fmt.Sprintf("%d - ERROR_HARDWARE_F%02d", e, int(ErrHardwareFirst-e)+1)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", e)
}

// Error returns nil on non-negative codes and a DRVError otherwise
func Error(code int) error {
	if code >= 0 {
		return nil
	}
	return DRVError(code)
}

// Code extracts the PHLib code from an error chain, or 0 if there is none
func Code(err error) DRVError {
	var d DRVError
	if errors.As(err, &d) {
		return d
	}
	return ErrNone
}

// CallError decorates a DRVError with the name of the call that produced it
type CallError struct {
	Call string
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Enrich adds the call name to err.  A nil err stays nil
func Enrich(err error, call string) error {
	if err == nil {
		return nil
	}
	return &CallError{Call: call, Err: err}
}
