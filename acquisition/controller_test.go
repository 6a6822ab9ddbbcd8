package acquisition_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"
	"github.com/nasa-jpl/tcspc/sink"
)

var quiet = acquisition.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

// transitions records every state change of a controller
type transitions struct {
	seen [][2]acquisition.State
	on   map[acquisition.State]func()
}

func (tr *transitions) option() acquisition.Option {
	return acquisition.WithTransitionHook(func(from, to acquisition.State) {
		tr.seen = append(tr.seen, [2]acquisition.State{from, to})
		if fn := tr.on[to]; fn != nil {
			fn()
		}
	})
}

func (tr *transitions) path() []acquisition.State {
	out := []acquisition.State{}
	for _, t := range tr.seen {
		out = append(out, t[1])
	}
	return out
}

// check verifies every transition is legal and Measuring always follows Armed
func (tr *transitions) check(t *testing.T) {
	t.Helper()
	for _, tt := range tr.seen {
		if !acquisition.Legal(tt[0], tt[1]) {
			t.Errorf("illegal transition %s -> %s", tt[0], tt[1])
		}
		if tt[1] == acquisition.Measuring && tt[0] != acquisition.Armed {
			t.Errorf("entered Measuring from %s", tt[0])
		}
	}
}

func samePath(a, b []acquisition.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func histRequest() acquisition.HistogramRequest {
	return acquisition.HistogramRequest{Mode: picoharp.Histogram, Channels: 1, AcquisitionTime: 1000}
}

func TestRunHistogramCompletes(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 7
	sim.InjectEvents(0, 0, 5000)
	tr := &transitions{}
	c := acquisition.New(d, quiet, tr.option())
	if _, ok := c.Summary(); ok {
		t.Error("expected no summary before the first cycle")
	}

	s, err := c.RunHistogram(context.Background(), histRequest())
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != acquisition.Completed {
		t.Errorf("expected outcome completed got %s", s.Outcome)
	}
	if s.Polls != 7 {
		t.Errorf("expected 7 completion polls got %d", s.Polls)
	}
	if n := s.Histograms[0].Integral(); n != 5000 {
		t.Errorf("expected an integral count of 5000 got %d", n)
	}
	if c.State() != acquisition.Idle {
		t.Errorf("expected Idle after the cycle got %s", c.State())
	}
	want := []acquisition.State{acquisition.Armed, acquisition.Measuring, acquisition.Completing, acquisition.Idle}
	if !samePath(tr.path(), want) {
		t.Errorf("expected path %v got %v", want, tr.path())
	}
	tr.check(t)
	if sim.Measuring(0) {
		t.Error("measurement still running after the cycle")
	}
}

func TestRunHistogramRoutedChannels(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultRoutedConfig())
	sim.CTCAfter = 3
	counts := []int{10, 200, 0, 3000}
	for ch, n := range counts {
		sim.InjectEvents(0, ch, n)
	}
	c := acquisition.New(d, quiet)
	req := acquisition.HistogramRequest{Mode: picoharp.RoutedHistogram, Channels: d.Channels(), AcquisitionTime: 500}
	s, err := c.RunHistogram(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Histograms) != 4 {
		t.Fatalf("expected 4 histograms got %d", len(s.Histograms))
	}
	for ch, n := range counts {
		if got := s.Histograms[ch].Integral(); got != uint64(n) {
			t.Errorf("channel %d: expected %d counts got %d", ch, n, got)
		}
	}
	if sim.Count("ClearHistMem") != 4 {
		t.Errorf("expected all 4 blocks cleared, got %d clears", sim.Count("ClearHistMem"))
	}
}

// stateProbe records the controller state at every histogram read
type stateProbe struct {
	*picoharp.Device
	ctrl   *acquisition.Controller
	states []acquisition.State
}

func (p *stateProbe) ReadHistogram(block int, counts []uint32) error {
	p.states = append(p.states, p.ctrl.State())
	return p.Device.ReadHistogram(block, counts)
}

func TestHistogramReadOnlyWhileCompleting(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultRoutedConfig())
	sim.CTCAfter = 2
	p := &stateProbe{Device: d}
	p.ctrl = acquisition.New(p, quiet)
	if _, err := p.ctrl.RunHistogram(context.Background(), acquisition.HistogramRequest{Mode: picoharp.RoutedHistogram, Channels: 4, AcquisitionTime: 500}); err != nil {
		t.Fatal(err)
	}
	if len(p.states) != 4 {
		t.Fatalf("expected 4 histogram reads got %d", len(p.states))
	}
	for i, st := range p.states {
		if st != acquisition.Completing {
			t.Errorf("read %d happened in %s", i, st)
		}
	}
}

func TestRunHistogramCancel(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 1000
	sim.InjectEvents(0, 0, 10)
	var c *acquisition.Controller
	tr := &transitions{on: map[acquisition.State]func(){
		acquisition.Measuring: func() { c.Cancel() },
	}}
	c = acquisition.New(d, quiet, tr.option())
	s, err := c.RunHistogram(context.Background(), histRequest())
	if err != nil {
		t.Fatalf("a cancelled cycle is not an error, got %v", err)
	}
	if s.Outcome != acquisition.Cancelled {
		t.Errorf("expected outcome cancelled got %s", s.Outcome)
	}
	if s.Histograms == nil {
		t.Error("expected the histogram to be harvested after cancel")
	}
	if sim.Count("StopMeas") != 1 {
		t.Errorf("expected one StopMeas got %d", sim.Count("StopMeas"))
	}
	if sim.Measuring(0) {
		t.Error("measurement still running after cancel")
	}
	tr.check(t)
}

// cancelAfter cancels a context on the n-th backoff
type cancelAfter struct {
	n      int
	cancel context.CancelFunc
}

func (b *cancelAfter) NextBackOff() time.Duration {
	b.n--
	if b.n == 0 {
		b.cancel()
	}
	return 0
}

func (b *cancelAfter) Reset() {}

func TestRunHistogramContextCancel(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 1000
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := acquisition.New(d, quiet, acquisition.WithPoll(&cancelAfter{n: 3, cancel: cancel}))
	s, err := c.RunHistogram(ctx, histRequest())
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != acquisition.Cancelled || s.Polls != 3 {
		t.Errorf("expected cancelled after 3 polls got %s after %d", s.Outcome, s.Polls)
	}
}

func TestRunHistogramBusy(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 2
	var c *acquisition.Controller
	var nested error
	tr := &transitions{on: map[acquisition.State]func(){
		acquisition.Measuring: func() {
			_, nested = c.RunHistogram(context.Background(), histRequest())
		},
	}}
	c = acquisition.New(d, quiet, tr.option())
	if _, err := c.RunHistogram(context.Background(), histRequest()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, acquisition.ErrBusy) {
		t.Errorf("expected ErrBusy from a nested cycle got %v", nested)
	}
	if sim.Count("StartMeas") != 1 {
		t.Errorf("expected one StartMeas got %d", sim.Count("StartMeas"))
	}
}

func TestRunHistogramPollBudget(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 100
	tr := &transitions{}
	c := acquisition.New(d, quiet, tr.option(), acquisition.WithPoll(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)))
	s, err := c.RunHistogram(context.Background(), histRequest())
	if !errors.Is(err, &picoharp.Error{Kind: picoharp.KindRuntime, Step: picoharp.StepCTC}) {
		t.Errorf("expected a runtime error at CTCStatus got %v", err)
	}
	if s.Polls != 4 {
		t.Errorf("expected 4 polls got %d", s.Polls)
	}
	if s.Outcome != acquisition.Aborted {
		t.Errorf("expected outcome failed got %s", s.Outcome)
	}
	if sim.Measuring(0) {
		t.Error("measurement still running after failure")
	}
	if c.State() != acquisition.Idle {
		t.Errorf("expected Idle got %s", c.State())
	}
	tr.check(t)
}

func TestRunHistogramFailureKeepsOriginalError(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.FailOn("CTCStatus", phlib.AnyArg, phlib.ErrUSBBulkReadFail)
	sim.FailOn("StopMeas", phlib.AnyArg, phlib.ErrStatusFail)
	tr := &transitions{}
	c := acquisition.New(d, quiet, tr.option())
	s, err := c.RunHistogram(context.Background(), histRequest())
	var perr *picoharp.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected a *picoharp.Error got %v", err)
	}
	if perr.Step != picoharp.StepCTC || perr.Code != phlib.ErrUSBBulkReadFail {
		t.Errorf("expected CTCStatus with code %d got %s with code %d", phlib.ErrUSBBulkReadFail, perr.Step, perr.Code)
	}
	if sim.Count("StopMeas") != 1 {
		t.Errorf("expected one best-effort StopMeas got %d", sim.Count("StopMeas"))
	}
	if s.Outcome != acquisition.Aborted || s.Err != err {
		t.Errorf("expected the session to carry the failure, got %s %v", s.Outcome, s.Err)
	}
	want := []acquisition.State{acquisition.Armed, acquisition.Measuring, acquisition.Failed, acquisition.Idle}
	if !samePath(tr.path(), want) {
		t.Errorf("expected path %v got %v", want, tr.path())
	}
}

func TestRunHistogramHarvestFailure(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultRoutedConfig())
	sim.CTCAfter = 1
	sim.FailOn("Histogram", 2, phlib.ErrUSBBulkReadFail)
	c := acquisition.New(d, quiet)
	s, err := c.RunHistogram(context.Background(), acquisition.HistogramRequest{Mode: picoharp.RoutedHistogram, Channels: 4, AcquisitionTime: 500})
	var perr *picoharp.Error
	if !errors.As(err, &perr) || perr.Step != picoharp.StepHistogram || perr.Channel != 2 {
		t.Fatalf("expected a GetHistogram failure on channel 2 got %v", err)
	}
	if s.Histograms != nil {
		t.Error("expected no histograms after a partial harvest")
	}
	if _, ok := c.Summary(); !ok {
		t.Error("expected a summary of the failed cycle")
	}
}

func TestRunHistogramNeedsChannels(t *testing.T) {
	_, d := configured(t, picoharp.DefaultHistogramConfig())
	c := acquisition.New(d, quiet)
	if _, err := c.RunHistogram(context.Background(), acquisition.HistogramRequest{Mode: picoharp.Histogram}); err == nil {
		t.Error("expected an error for zero channels")
	}
	if c.State() != acquisition.Idle {
		t.Errorf("expected Idle got %s", c.State())
	}
}

func TestRepeat(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 1
	c := acquisition.New(d, quiet)
	ids := map[string]bool{}
	cycles := 0
	_, err := c.Repeat(context.Background(), histRequest(), func(s *acquisition.Session) bool {
		cycles++
		ids[s.ID.String()] = true
		sim.InjectEvents(0, 0, 5)
		return cycles < 3
	})
	if err != nil {
		t.Fatal(err)
	}
	if cycles != 3 || len(ids) != 3 {
		t.Errorf("expected 3 cycles with distinct sessions got %d cycles %d ids", cycles, len(ids))
	}
	if sim.Count("ClearHistMem") != 3 {
		t.Errorf("expected a clear per cycle got %d", sim.Count("ClearHistMem"))
	}
}

func TestSummaryJSON(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 1
	sim.InjectEvents(0, 0, 12)
	c := acquisition.New(d, quiet)
	if _, err := c.RunHistogram(context.Background(), histRequest()); err != nil {
		t.Fatal(err)
	}
	sum, ok := c.Summary()
	if !ok {
		t.Fatal("expected a summary")
	}
	b, err := json.Marshal(sum)
	if err != nil {
		t.Fatal(err)
	}
	for _, frag := range []string{`"state":"Idle"`, `"outcome":"completed"`, `"integrals":[12]`, `"mode":"histogram"`} {
		if !strings.Contains(string(b), frag) {
			t.Errorf("expected %s in %s", frag, b)
		}
	}
}

func streamController(t *testing.T, opts ...acquisition.Option) (*phlib.Simulator, *acquisition.Controller) {
	t.Helper()
	sim, d := configured(t, picoharp.DefaultStreamConfig())
	return sim, acquisition.New(d, append([]acquisition.Option{quiet, acquisition.WithBlockSize(512)}, opts...)...)
}

func TestRunStreamCompletes(t *testing.T) {
	var reported uint64
	sim, c := streamController(t, acquisition.WithProgress(func(n uint64) { reported = n }, 0))
	sim.CTCAfter = 2
	sim.QueueRecords(counting(0, 100))
	sim.QueueRecords(counting(100, 100))
	sim.QueueRecords(counting(200, 100))
	sink := &memSink{}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != acquisition.Completed {
		t.Errorf("expected completed got %s", s.Outcome)
	}
	got := sink.records()
	if len(got) != 300 || s.Records != 300 || reported != 300 {
		t.Fatalf("expected 300 records, sink has %d, session %d, progress %d", len(got), s.Records, reported)
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("record %d out of order: %d", i, v)
		}
	}
	// empty drains poll completion and carry on until CTC reports done
	if s.Polls != 2 || s.Drains != 5 {
		t.Errorf("expected 2 polls and 5 drains got %d and %d", s.Polls, s.Drains)
	}
	if sink.flushed != 1 {
		t.Errorf("expected one flush got %d", sink.flushed)
	}
}

func TestRunStreamOverrun(t *testing.T) {
	tr := &transitions{}
	sim, c := streamController(t, tr.option())
	sim.FIFOFullAt = 5
	sim.CTCAfter = 1000
	for i := 0; i < 4; i++ {
		sim.QueueRecords(counting(i*512, 512))
	}
	sink := &memSink{}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink)
	if !errors.Is(err, picoharp.ErrOverrun) {
		t.Fatalf("expected an overrun got %v", err)
	}
	if s.Outcome != acquisition.Overran {
		t.Errorf("expected outcome overrun got %s", s.Outcome)
	}
	if len(sink.blocks) != 4 || s.Records != 4*512 {
		t.Errorf("expected the 4 drained blocks kept, got %d blocks %d records", len(sink.blocks), s.Records)
	}
	if n := sim.Count("ReadFIFO"); n != 4 {
		t.Errorf("expected no drain once the FIFO overran, got %d reads", n)
	}
	if sim.Measuring(0) {
		t.Error("measurement still running after overrun")
	}
	if c.State() != acquisition.Idle {
		t.Errorf("expected Idle got %s", c.State())
	}
	tr.check(t)
}

// overrunSetup queues four 512 record blocks and overruns on the fifth flag poll
func overrunSetup(t *testing.T) *acquisition.Controller {
	sim, c := streamController(t)
	sim.FIFOFullAt = 5
	sim.CTCAfter = 1000
	for i := 0; i < 4; i++ {
		sim.QueueRecords(counting(i*512, 512))
	}
	return c
}

func TestRunStreamOverrunFlushesPartialData(t *testing.T) {
	c := overrunSetup(t)
	buf := &bytes.Buffer{}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink.NewEventWriter(buf))
	if !errors.Is(err, picoharp.ErrOverrun) {
		t.Fatalf("expected an overrun got %v", err)
	}
	if errors.Is(err, picoharp.ErrIO) {
		t.Errorf("expected no IO error got %v", err)
	}
	if uint64(buf.Len()) != 4*s.Records || s.Records != 4*512 {
		t.Errorf("expected %d bytes in the sink when RunStream returns, got %d", 4*s.Records, buf.Len())
	}
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRunStreamOverrunReportsFlushFailure(t *testing.T) {
	c := overrunSetup(t)
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink.NewEventWriter(failWriter{}))
	if !errors.Is(err, picoharp.ErrOverrun) {
		t.Errorf("expected the overrun kept got %v", err)
	}
	if !errors.Is(err, picoharp.ErrIO) {
		t.Errorf("expected the failed flush reported got %v", err)
	}
	if s.Outcome != acquisition.Overran {
		t.Errorf("expected outcome overrun got %s", s.Outcome)
	}
	if s.Err == nil || !strings.Contains(s.Err.Error(), "disk full") {
		t.Errorf("expected the flush failure in the session, got %v", s.Err)
	}
}

func TestRunStreamFailureFlushesPartialData(t *testing.T) {
	sim, c := streamController(t)
	sim.CTCAfter = 1000
	sim.QueueRecords(counting(0, 300))
	sim.FailOn("CTCStatus", phlib.AnyArg, phlib.ErrStatusFail)
	buf := &bytes.Buffer{}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink.NewEventWriter(buf))
	if !errors.Is(err, picoharp.ErrRuntime) {
		t.Fatalf("expected a runtime error got %v", err)
	}
	if s.Records != 300 || buf.Len() != 4*300 {
		t.Errorf("expected 300 records flushed, got %d records %d bytes", s.Records, buf.Len())
	}
}

func TestRunStreamCancelDrainsRest(t *testing.T) {
	sim, d := configured(t, picoharp.DefaultStreamConfig())
	sim.CTCAfter = 1000
	sim.QueueRecords(counting(0, 50))
	sim.QueueRecords(counting(50, 50))
	var c *acquisition.Controller
	tr := &transitions{on: map[acquisition.State]func(){
		acquisition.Measuring: func() { c.Cancel() },
	}}
	c = acquisition.New(d, quiet, tr.option())
	sink := &memSink{}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != acquisition.Cancelled {
		t.Errorf("expected cancelled got %s", s.Outcome)
	}
	if s.Records != 100 || len(sink.records()) != 100 {
		t.Errorf("expected the FIFO drained after stop, got %d records", s.Records)
	}
	tr.check(t)
}

func TestRunStreamSinkFailure(t *testing.T) {
	sim, c := streamController(t)
	sim.QueueRecords(counting(0, 20))
	sink := &memSink{fail: errors.New("disk full")}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000}, sink)
	if !errors.Is(err, picoharp.ErrIO) {
		t.Fatalf("expected an IO error got %v", err)
	}
	if len(s.Unwritten) != 20 || s.Unwritten[19] != 19 {
		t.Errorf("expected the rejected block in the session, got %d records", len(s.Unwritten))
	}
	if s.Outcome != acquisition.Aborted {
		t.Errorf("expected outcome failed got %s", s.Outcome)
	}
	if sim.Measuring(0) {
		t.Error("measurement still running after a write failure")
	}
}

func TestRunStreamBlockSize(t *testing.T) {
	sim, c := streamController(t)
	sim.CTCAfter = 1
	sim.QueueRecords(counting(0, 3000))
	sink := &memSink{}
	s, err := c.RunStream(context.Background(), acquisition.StreamRequest{AcquisitionTime: 10000, BlockSize: 1024}, sink)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range sink.blocks {
		if len(b) > 1024 {
			t.Errorf("block of %d records exceeds the requested capacity", len(b))
		}
	}
	if s.Records != 3000 {
		t.Errorf("expected 3000 records got %d", s.Records)
	}
}
