package phlib_test

import (
	"testing"

	"github.com/nasa-jpl/tcspc/phlib"
)

func openHist(t *testing.T, s *phlib.Simulator) {
	t.Helper()
	if _, err := s.OpenDevice(0); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(0, phlib.ModeHist); err != nil {
		t.Fatal(err)
	}
	if err := s.Calibrate(0); err != nil {
		t.Fatal(err)
	}
}

func TestSimulatorEmptySlot(t *testing.T) {
	s := phlib.NewSimulator()
	_, err := s.OpenDevice(5)
	if err != phlib.ErrDeviceOpenFail {
		t.Errorf("expected %v got %v", phlib.ErrDeviceOpenFail, err)
	}
	if err := s.CloseDevice(5); err != nil {
		t.Errorf("closing a never opened slot should be a no-op, got %v", err)
	}
}

func TestSimulatorBusySlot(t *testing.T) {
	s := phlib.NewSimulator()
	s.Busy[0] = true
	_, err := s.OpenDevice(0)
	if err != phlib.ErrDeviceBusy {
		t.Errorf("expected %v got %v", phlib.ErrDeviceBusy, err)
	}
}

func TestSimulatorNeedsInitialize(t *testing.T) {
	s := phlib.NewSimulator()
	s.OpenDevice(0)
	if err := s.SetBinning(0, 0); err != phlib.ErrNotInitialized {
		t.Errorf("expected %v got %v", phlib.ErrNotInitialized, err)
	}
}

func TestSimulatorHistogramGrowsUntilCTC(t *testing.T) {
	s := phlib.NewSimulator()
	s.CTCAfter = 4
	openHist(t, s)
	s.InjectEvents(0, 0, 1000)
	if err := s.StartMeas(0, 1000); err != nil {
		t.Fatal(err)
	}
	buf := make([]uint32, phlib.HistChan)
	var last uint64
	for i := 0; i < 4; i++ {
		done, err := s.CTCStatus(0)
		if err != nil {
			t.Fatal(err)
		}
		if done != (i == 3) {
			t.Errorf("poll %d: expected done=%v got %v", i+1, i == 3, done)
		}
		s.Histogram(0, 0, buf)
		var sum uint64
		for _, v := range buf {
			sum += uint64(v)
		}
		if sum < last {
			t.Errorf("histogram shrank from %d to %d", last, sum)
		}
		last = sum
	}
	if last != 1000 {
		t.Errorf("expected 1000 counts at completion got %d", last)
	}
}

func TestSimulatorFIFOBlocks(t *testing.T) {
	s := phlib.NewSimulator()
	s.OpenDevice(0)
	s.Initialize(0, phlib.ModeT2)
	s.Calibrate(0)
	big := make([]uint32, 700)
	for i := range big {
		big[i] = uint32(i)
	}
	s.QueueRecords(big)
	buf := make([]uint32, 512)
	n, err := s.ReadFIFO(0, buf)
	if err != nil || n != 512 {
		t.Fatalf("expected 512 records got %d (%v)", n, err)
	}
	n, _ = s.ReadFIFO(0, buf)
	if n != 188 || buf[0] != 512 {
		t.Errorf("expected the 188 record remainder starting at 512, got %d starting at %d", n, buf[0])
	}
	n, _ = s.ReadFIFO(0, buf)
	if n != 0 {
		t.Errorf("expected an empty FIFO got %d", n)
	}
	if _, err := s.ReadFIFO(0, make([]uint32, 100)); err != phlib.ErrInvalidArgument {
		t.Errorf("expected %v for a read size off the 512 grid, got %v", phlib.ErrInvalidArgument, err)
	}
}

func TestSimulatorFailOn(t *testing.T) {
	s := phlib.NewSimulator()
	openHist(t, s)
	s.FailOn("SetInputCFD", 1, phlib.ErrInvalidArgument)
	if err := s.SetInputCFD(0, 0, 100, 10); err != nil {
		t.Errorf("channel 0 should not fail, got %v", err)
	}
	if err := s.SetInputCFD(0, 1, 100, 10); err != phlib.ErrInvalidArgument {
		t.Errorf("expected %v got %v", phlib.ErrInvalidArgument, err)
	}
	if s.Count("SetInputCFD") != 2 {
		t.Errorf("expected 2 recorded calls got %d", s.Count("SetInputCFD"))
	}
}
