//go:build phlib && cgo

package phlib

/*
#cgo CFLAGS: -I/usr/local/lib64/ph300
#cgo LDFLAGS: -L/usr/local/lib64/ph300 -lph300
#include <stdlib.h>
#include "phdefin.h"
#include "phlib.h"
#include "errorcodes.h"
*/
import "C"

import "unsafe"

// Native calls into libph300
type Native struct{}

// NewNative returns the cgo binding to PHLib
func NewNative() (Library, error) {
	return Native{}, nil
}

// cstr converts a NUL-terminated C buffer to a Go string
func cstr(buf []C.char) string {
	return C.GoString(&buf[0])
}

// Version calls PH_GetLibraryVersion
func (Native) Version() (string, error) {
	buf := make([]C.char, 8)
	err := Error(int(C.PH_GetLibraryVersion(&buf[0])))
	return cstr(buf), Enrich(err, "PH_GetLibraryVersion")
}

// ErrorString calls PH_GetErrorString
func (Native) ErrorString(code DRVError) string {
	buf := make([]C.char, 40)
	if C.PH_GetErrorString(&buf[0], C.int(code)) < 0 {
		return code.Error()
	}
	return cstr(buf)
}

// OpenDevice calls PH_OpenDevice
func (Native) OpenDevice(idx int) (string, error) {
	buf := make([]C.char, 8)
	err := Error(int(C.PH_OpenDevice(C.int(idx), &buf[0])))
	if err != nil {
		return "", Enrich(err, "PH_OpenDevice")
	}
	return cstr(buf), nil
}

// CloseDevice calls PH_CloseDevice
func (Native) CloseDevice(idx int) error {
	return Enrich(Error(int(C.PH_CloseDevice(C.int(idx)))), "PH_CloseDevice")
}

// Initialize calls PH_Initialize
func (Native) Initialize(idx int, mode Mode) error {
	return Enrich(Error(int(C.PH_Initialize(C.int(idx), C.int(mode)))), "PH_Initialize")
}

// HardwareInfo calls PH_GetHardwareInfo
func (Native) HardwareInfo(idx int) (HardwareInfo, error) {
	model := make([]C.char, 16)
	partno := make([]C.char, 8)
	version := make([]C.char, 8)
	err := Error(int(C.PH_GetHardwareInfo(C.int(idx), &model[0], &partno[0], &version[0])))
	if err != nil {
		return HardwareInfo{}, Enrich(err, "PH_GetHardwareInfo")
	}
	return HardwareInfo{Model: cstr(model), PartNo: cstr(partno), Version: cstr(version)}, nil
}

// Calibrate calls PH_Calibrate
func (Native) Calibrate(idx int) error {
	return Enrich(Error(int(C.PH_Calibrate(C.int(idx)))), "PH_Calibrate")
}

// SetSyncDiv calls PH_SetSyncDiv
func (Native) SetSyncDiv(idx, div int) error {
	return Enrich(Error(int(C.PH_SetSyncDiv(C.int(idx), C.int(div)))), "PH_SetSyncDiv")
}

// SetInputCFD calls PH_SetInputCFD
func (Native) SetInputCFD(idx, channel, level, zeroCross int) error {
	ret := C.PH_SetInputCFD(C.int(idx), C.int(channel), C.int(level), C.int(zeroCross))
	return Enrich(Error(int(ret)), "PH_SetInputCFD")
}

// SetBinning calls PH_SetBinning
func (Native) SetBinning(idx, binning int) error {
	return Enrich(Error(int(C.PH_SetBinning(C.int(idx), C.int(binning)))), "PH_SetBinning")
}

// SetOffset calls PH_SetOffset
func (Native) SetOffset(idx, offset int) error {
	return Enrich(Error(int(C.PH_SetOffset(C.int(idx), C.int(offset)))), "PH_SetOffset")
}

// SetStopOverflow calls PH_SetStopOverflow
func (Native) SetStopOverflow(idx int, stop bool, count int) error {
	var s C.int
	if stop {
		s = 1
	}
	return Enrich(Error(int(C.PH_SetStopOverflow(C.int(idx), s, C.int(count)))), "PH_SetStopOverflow")
}

// Resolution calls PH_GetResolution
func (Native) Resolution(idx int) (float64, error) {
	var res C.double
	err := Error(int(C.PH_GetResolution(C.int(idx), &res)))
	return float64(res), Enrich(err, "PH_GetResolution")
}

// CountRate calls PH_GetCountRate
func (Native) CountRate(idx, channel int) (int, error) {
	var rate C.int
	err := Error(int(C.PH_GetCountRate(C.int(idx), C.int(channel), &rate)))
	return int(rate), Enrich(err, "PH_GetCountRate")
}

// Warnings calls PH_GetWarnings
func (Native) Warnings(idx int) (int, error) {
	var w C.int
	err := Error(int(C.PH_GetWarnings(C.int(idx), &w)))
	return int(w), Enrich(err, "PH_GetWarnings")
}

// EnableRouting calls PH_EnableRouting
func (Native) EnableRouting(idx int, enable bool) error {
	var e C.int
	if enable {
		e = 1
	}
	return Enrich(Error(int(C.PH_EnableRouting(C.int(idx), e))), "PH_EnableRouting")
}

// RoutingChannels calls PH_GetRoutingChannels
func (Native) RoutingChannels(idx int) (int, error) {
	var n C.int
	err := Error(int(C.PH_GetRoutingChannels(C.int(idx), &n)))
	return int(n), Enrich(err, "PH_GetRoutingChannels")
}

// RouterVersion calls PH_GetRouterVersion
func (Native) RouterVersion(idx int) (RouterInfo, error) {
	model := make([]C.char, 8)
	version := make([]C.char, 8)
	err := Error(int(C.PH_GetRouterVersion(C.int(idx), &model[0], &version[0])))
	if err != nil {
		return RouterInfo{}, Enrich(err, "PH_GetRouterVersion")
	}
	return RouterInfo{Model: cstr(model), Version: cstr(version)}, nil
}

// SetPHR800Input calls PH_SetPHR800Input
func (Native) SetPHR800Input(idx, channel, level, edge int) error {
	ret := C.PH_SetPHR800Input(C.int(idx), C.int(channel), C.int(level), C.int(edge))
	return Enrich(Error(int(ret)), "PH_SetPHR800Input")
}

// SetPHR800CFD calls PH_SetPHR800CFD
func (Native) SetPHR800CFD(idx, channel, level, zeroCross int) error {
	ret := C.PH_SetPHR800CFD(C.int(idx), C.int(channel), C.int(level), C.int(zeroCross))
	return Enrich(Error(int(ret)), "PH_SetPHR800CFD")
}

// ClearHistMem calls PH_ClearHistMem
func (Native) ClearHistMem(idx, block int) error {
	return Enrich(Error(int(C.PH_ClearHistMem(C.int(idx), C.int(block)))), "PH_ClearHistMem")
}

// StartMeas calls PH_StartMeas
func (Native) StartMeas(idx, tacq int) error {
	return Enrich(Error(int(C.PH_StartMeas(C.int(idx), C.int(tacq)))), "PH_StartMeas")
}

// StopMeas calls PH_StopMeas
func (Native) StopMeas(idx int) error {
	return Enrich(Error(int(C.PH_StopMeas(C.int(idx)))), "PH_StopMeas")
}

// CTCStatus calls PH_CTCStatus
func (Native) CTCStatus(idx int) (bool, error) {
	var ctc C.int
	err := Error(int(C.PH_CTCStatus(C.int(idx), &ctc)))
	return ctc != 0, Enrich(err, "PH_CTCStatus")
}

// Flags calls PH_GetFlags
func (Native) Flags(idx int) (Flags, error) {
	var f C.int
	err := Error(int(C.PH_GetFlags(C.int(idx), &f)))
	return Flags(f), Enrich(err, "PH_GetFlags")
}

// ElapsedMeasTime calls PH_GetElapsedMeasTime
func (Native) ElapsedMeasTime(idx int) (float64, error) {
	var ms C.double
	err := Error(int(C.PH_GetElapsedMeasTime(C.int(idx), &ms)))
	return float64(ms), Enrich(err, "PH_GetElapsedMeasTime")
}

// Histogram calls PH_GetHistogram
func (Native) Histogram(idx, block int, counts []uint32) error {
	if len(counts) < HistChan {
		return Enrich(ErrInvalidMemory, "PH_GetHistogram")
	}
	ptr := (*C.uint)(unsafe.Pointer(&counts[0]))
	return Enrich(Error(int(C.PH_GetHistogram(C.int(idx), ptr, C.int(block)))), "PH_GetHistogram")
}

// ReadFIFO calls PH_ReadFiFo
func (Native) ReadFIFO(idx int, buf []uint32) (int, error) {
	if len(buf) == 0 || len(buf) > TTReadMax || len(buf)%FIFOReadStep != 0 {
		return 0, Enrich(ErrInvalidArgument, "PH_ReadFiFo")
	}
	var nactual C.int
	ptr := (*C.uint)(unsafe.Pointer(&buf[0]))
	err := Error(int(C.PH_ReadFiFo(C.int(idx), ptr, C.int(len(buf)), &nactual)))
	return int(nactual), Enrich(err, "PH_ReadFiFo")
}
