package phlib_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nasa-jpl/tcspc/phlib"
)

func ExampleDRVError() {
	fmt.Println(phlib.DRVError(-1))
	fmt.Println(phlib.DRVError(-65))
	// Output:
	// -1 - ERROR_DEVICE_OPEN_FAIL
	// -65 - ERROR_HARDWARE_F02
}

func TestErrorNonNegativeIsNil(t *testing.T) {
	for _, code := range []int{0, 1, 4} {
		if err := phlib.Error(code); err != nil {
			t.Errorf("expected nil for code %d got %v", code, err)
		}
	}
}

func TestEnrichKeepsCode(t *testing.T) {
	err := phlib.Enrich(phlib.Error(-17), "PH_SetBinning")
	if err.Error() != "PH_SetBinning: -17 - ERROR_INVALID_ARGUMENT" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if phlib.Code(err) != phlib.ErrInvalidArgument {
		t.Errorf("expected %v got %v", phlib.ErrInvalidArgument, phlib.Code(err))
	}
	if !errors.Is(err, phlib.ErrInvalidArgument) {
		t.Error("expected errors.Is to see through the call decoration")
	}
}

func TestEnrichNil(t *testing.T) {
	if err := phlib.Enrich(nil, "PH_StopMeas"); err != nil {
		t.Errorf("expected nil got %v", err)
	}
}

func TestFlags(t *testing.T) {
	f := phlib.FlagOverflow
	if !f.Overflow() || f.FIFOFull() {
		t.Errorf("expected overflow only, got %#x", int(f))
	}
	f |= phlib.Flags(0x0001)
	if !f.FIFOFull() {
		t.Error("expected either FIFO full bit to count")
	}
}
