package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/picoharp"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, 0},
		{errors.New("bad yaml"), 1},
		{&picoharp.Error{Kind: picoharp.KindNotPresent}, 2},
		{&picoharp.Error{Kind: picoharp.KindOpenFailed}, 3},
		{&picoharp.Error{Kind: picoharp.KindInitialization}, 4},
		{&picoharp.Error{Kind: picoharp.KindCalibration}, 5},
		{&picoharp.Error{Kind: picoharp.KindConfiguration}, 6},
		{&picoharp.Error{Kind: picoharp.KindRuntime}, 7},
		{fmt.Errorf("cycle: %w", &picoharp.Error{Kind: picoharp.KindOverrun}), 8},
		{&picoharp.Error{Kind: picoharp.KindIO}, 9},
		{acquisition.ErrBusy, 7},
		{&picoharp.Error{Kind: picoharp.KindTeardown}, 10},
		{multierr.Append(&picoharp.Error{Kind: picoharp.KindRuntime}, &picoharp.Error{Kind: picoharp.KindTeardown}), 7},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.code {
			t.Errorf("expected exit code %d for %v got %d", c.code, c.err, got)
		}
	}
}

func TestPacingLimit(t *testing.T) {
	b := pacing(config{PollLimit: 2})
	b.Reset()
	for i := 0; i < 2; i++ {
		if d := b.NextBackOff(); d != 0 {
			t.Errorf("expected no pause on poll %d got %v", i, d)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("expected backoff.Stop after the limit got %v", d)
	}
}

func TestPacingInterval(t *testing.T) {
	b := pacing(config{PollMs: 5})
	if d := b.NextBackOff(); d.Milliseconds() != 5 {
		t.Errorf("expected 5ms between polls got %v", d)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := setupconfig(); err != nil {
		t.Fatal(err)
	}
	c, err := loadconfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.Acquisition.Mode != picoharp.Histogram {
		t.Errorf("expected default mode histogram got %s", c.Acquisition.Mode)
	}
	if c.SerialNumber != "auto" {
		t.Errorf("expected serial auto got %s", c.SerialNumber)
	}
}

func mockConfig(t *testing.T, acq picoharp.Config) config {
	c := defaults()
	c.Mock = true
	c.SettleMs = int(picoharp.MinSettleDelay.Milliseconds())
	c.Acquisition = acq
	c.Recorder.Root = t.TempDir()
	return c
}

func TestRunMockHistogram(t *testing.T) {
	c := mockConfig(t, picoharp.DefaultHistogramConfig())
	if err := run(c); err != nil {
		t.Fatal(err)
	}
	for _, ext := range []string{"txt", "fits"} {
		files, _ := filepath.Glob(filepath.Join(c.Recorder.Root, "*", "*."+ext))
		if len(files) != 1 {
			t.Errorf("expected one .%s file got %v", ext, files)
		}
	}
}

func TestRunMockStream(t *testing.T) {
	c := mockConfig(t, picoharp.DefaultStreamConfig())
	c.Acquisition.AcquisitionTime = 100
	if err := run(c); err != nil {
		t.Fatal(err)
	}
	files, _ := filepath.Glob(filepath.Join(c.Recorder.Root, "*", "*.out"))
	if len(files) != 1 {
		t.Fatalf("expected one .out file got %v", files)
	}
	fi, err := os.Stat(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 4*4*mockRecords {
		t.Errorf("expected %d bytes got %d", 4*4*mockRecords, fi.Size())
	}
}

func TestScanMock(t *testing.T) {
	if err := scan(config{Mock: true}); err != nil {
		t.Errorf("expected scan of the simulator to succeed got %v", err)
	}
}

func TestPromptReadsEachLine(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = stdin }()
	w.WriteString("c\nC \nq\n")
	w.Close()

	lines := readLines(os.Stdin)
	expected := []bool{true, true, false, false}
	for i, exp := range expected {
		if got := prompt(context.Background(), lines); got != exp {
			t.Errorf("expected answer %d to be %v got %v", i, exp, got)
		}
	}
}

func TestPromptCancelled(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if prompt(ctx, readLines(r)) {
		t.Error("expected a cancelled prompt to quit")
	}
}
