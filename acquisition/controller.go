package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"
)

// ErrBusy is returned when a cycle is requested while another is active
var ErrBusy = errors.New("acquisition: a cycle is already active on this device")

var errPollBudget = errors.New("poll budget exhausted before the measurement completed")

// Device is the part of an open instrument a Controller drives.
// *picoharp.Device implements it
type Device interface {
	HistogramSource
	FIFOSource
	ClearHistogram(block int) error
	Flags() (phlib.Flags, error)
	Start(tacq int) error
	Stop() error
	Completed() (bool, error)
}

// HistogramRequest describes a histogram cycle
type HistogramRequest struct {
	// Mode labels the session, Histogram or RoutedHistogram
	Mode picoharp.Mode

	// Channels is the number of histogram blocks to clear and harvest
	Channels int

	// AcquisitionTime is the measurement window in milliseconds
	AcquisitionTime int
}

// StreamRequest describes an event stream cycle
type StreamRequest struct {
	// AcquisitionTime is the measurement window in milliseconds
	AcquisitionTime int

	// BlockSize is the FIFO read capacity, 0 for the Controller default
	BlockSize int
}

// Option configures a Controller
type Option func(*Controller)

// WithPoll sets the pacing between completion polls.  The default
// backoff.ZeroBackOff polls without sleeping, forever.  A policy that
// returns backoff.Stop fails the cycle
func WithPoll(b backoff.BackOff) Option {
	return func(c *Controller) {
		c.poll = b
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithTransitionHook calls fn on every state change, with the lock released
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) {
		c.hook = fn
	}
}

// WithProgress reports the streamed record count at most once per interval
func WithProgress(fn func(records uint64), interval time.Duration) Option {
	return func(c *Controller) {
		c.progress = fn
		c.progressEvery = interval
	}
}

// WithBlockSize sets the default FIFO read capacity
func WithBlockSize(n int) Option {
	return func(c *Controller) {
		c.blockSize = BlockCapacity(n)
	}
}

// Controller runs measurement cycles on one device, one at a time.  State,
// Summary and Cancel may be called from other goroutines while a cycle runs
type Controller struct {
	dev Device

	mu      sync.Mutex
	state   State
	active  bool
	session *Session
	cancel  context.CancelFunc

	poll          backoff.BackOff
	log           *slog.Logger
	hook          func(from, to State)
	progress      func(uint64)
	progressEvery time.Duration
	blockSize     int
}

// New returns an Idle controller for dev
func New(dev Device, opts ...Option) *Controller {
	c := &Controller{
		dev:       dev,
		poll:      &backoff.ZeroBackOff{},
		log:       slog.Default(),
		blockSize: phlib.TTReadMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Summary describes the active or most recent session.  ok is false before the first cycle
func (c *Controller) Summary() (sum Summary, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Summary{}, false
	}
	return c.session.summary(c.state), true
}

// Cancel stops the active cycle at its next poll.  The cycle completes with
// outcome Cancelled.  It is a no-op when Idle
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// claim reserves the controller for one cycle
func (c *Controller) claim(ctx context.Context, s *Session) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active || c.state != Idle {
		return nil, ErrBusy
	}
	c.active = true
	c.session = s
	ctx, c.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	if !Legal(from, to) {
		c.log.Error("illegal state transition", "from", from.String(), "to", to.String())
	}
	c.state = to
	id := ""
	if c.session != nil {
		id = c.session.ID.String()
	}
	c.mu.Unlock()
	c.log.Debug("state", "session", id, "from", from.String(), "to", to.String())
	if c.hook != nil {
		c.hook(from, to)
	}
}

// update mutates the session under the lock
func (c *Controller) update(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.session)
}

// finish records the outcome and returns to Idle
func (c *Controller) finish(s *Session, out Outcome, err error) {
	c.update(func(s *Session) {
		s.Outcome = out
		s.Err = err
		s.Finished = time.Now()
	})
	c.transition(Idle)
	c.log.Info("cycle finished", "session", s.ID.String(), "outcome", out.String(), "duration", s.Duration(), "err", err)
}

// fail moves to Failed, stops the measurement best-effort and returns err
func (c *Controller) fail(s *Session, err error) error {
	c.transition(Failed)
	if serr := c.dev.Stop(); serr != nil {
		c.log.Warn("stop after failure also failed", "session", s.ID.String(), "err", serr)
	}
	c.finish(s, Aborted, err)
	return err
}

// wait sleeps for d unless ctx ends first
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// next returns the pause before the next poll, or an error when the policy gives up
func (c *Controller) next() (time.Duration, error) {
	d := c.poll.NextBackOff()
	if d == backoff.Stop {
		return 0, &picoharp.Error{Kind: picoharp.KindRuntime, Step: picoharp.StepCTC, Channel: picoharp.NoChannel, Err: errPollBudget}
	}
	return d, nil
}

// arm clears channels histogram blocks and discards pending flags
func (c *Controller) arm(channels int) error {
	for b := 0; b < channels; b++ {
		if err := c.dev.ClearHistogram(b); err != nil {
			return err
		}
	}
	if _, err := c.dev.Flags(); err != nil {
		return err
	}
	c.transition(Armed)
	return nil
}

func (c *Controller) start(tacq int) error {
	if err := c.dev.Start(tacq); err != nil {
		return err
	}
	c.transition(Measuring)
	return nil
}

// harvest reads histogram memory.  It refuses outside Completing
func (c *Controller) harvest(s *Session) error {
	if st := c.State(); st != Completing {
		return &picoharp.Error{Kind: picoharp.KindRuntime, Step: picoharp.StepHistogram, Channel: picoharp.NoChannel,
			Err: fmt.Errorf("histogram memory read in state %s", st)}
	}
	hists, err := HarvestInto(c.dev, s.Histograms)
	if err != nil {
		c.update(func(s *Session) { s.Histograms = nil })
		return err
	}
	flags, err := c.dev.Flags()
	if err != nil {
		c.update(func(s *Session) { s.Histograms = nil })
		return err
	}
	c.update(func(s *Session) {
		s.Histograms = hists
		s.Overflow = flags.Overflow()
	})
	return nil
}

// RunHistogram runs one histogram cycle: clear, start, poll completion,
// stop and harvest.  Cancelling ctx ends the polling early; the cycle still
// stops and harvests and reports Cancelled
func (c *Controller) RunHistogram(ctx context.Context, req HistogramRequest) (*Session, error) {
	if req.Channels < 1 {
		return nil, fmt.Errorf("acquisition: histogram cycle needs at least one channel, got %d", req.Channels)
	}
	s := newSession(req.Mode, req.AcquisitionTime, req.Channels)
	ctx, err := c.claim(ctx, s)
	if err != nil {
		return nil, err
	}
	defer c.release()
	c.log.Info("histogram cycle", "session", s.ID.String(), "channels", req.Channels, "tacq_ms", req.AcquisitionTime)

	if err := c.arm(req.Channels); err != nil {
		return s, c.fail(s, err)
	}
	if err := c.start(req.AcquisitionTime); err != nil {
		return s, c.fail(s, err)
	}

	out := Completed
	c.poll.Reset()
	for {
		if ctx.Err() != nil {
			out = Cancelled
			break
		}
		done, err := c.dev.Completed()
		c.update(func(s *Session) { s.Polls++ })
		if err != nil {
			return s, c.fail(s, err)
		}
		if done {
			break
		}
		d, err := c.next()
		if err != nil {
			return s, c.fail(s, err)
		}
		wait(ctx, d)
	}

	c.transition(Completing)
	if err := c.dev.Stop(); err != nil {
		return s, c.fail(s, err)
	}
	if err := c.harvest(s); err != nil {
		return s, c.fail(s, err)
	}
	c.finish(s, out, nil)
	return s, nil
}

// Repeat runs histogram cycles until next returns false, a cycle fails or
// ctx is cancelled.  Each cycle clears histogram memory afresh.  It returns
// the last session
func (c *Controller) Repeat(ctx context.Context, req HistogramRequest, next func(*Session) bool) (*Session, error) {
	for {
		s, err := c.RunHistogram(ctx, req)
		if err != nil {
			return s, err
		}
		if s.Outcome == Cancelled || !next(s) {
			return s, nil
		}
	}
}

// RunStream runs one event stream cycle, writing records to sink in the
// order they are drained.  Each iteration reads the flags and stops on a
// FIFO overrun without draining, otherwise drains once, and polls completion
// only when the drain came back empty.
//
// An overrun returns the session, with the records drained so far flushed
// to the sink, and an Error of KindOverrun.  Other failures flush the sink
// the same way.  A sink failure returns an Error of KindIO with the rejected
// block in Session.Unwritten
func (c *Controller) RunStream(ctx context.Context, req StreamRequest, sink EventSink) (*Session, error) {
	s := newSession(picoharp.EventStream, req.AcquisitionTime, 0)
	ctx, err := c.claim(ctx, s)
	if err != nil {
		return nil, err
	}
	defer c.release()

	capacity := c.blockSize
	if req.BlockSize > 0 {
		capacity = BlockCapacity(req.BlockSize)
	}
	dr := NewDrainer(c.dev, sink, capacity)
	if c.progress != nil {
		dr.OnProgress(c.progress, c.progressEvery)
	}
	record := func() {
		c.update(func(s *Session) {
			s.Records = dr.Progress()
			s.Drains = dr.Drains()
			s.Unwritten = dr.Unwritten
		})
	}
	c.log.Info("stream cycle", "session", s.ID.String(), "capacity", dr.Capacity(), "tacq_ms", req.AcquisitionTime)

	if err := c.arm(0); err != nil {
		return s, c.fail(s, err)
	}
	if err := c.start(req.AcquisitionTime); err != nil {
		return s, c.fail(s, err)
	}

	out := Completed
	c.poll.Reset()
	for {
		if ctx.Err() != nil {
			out = Cancelled
			break
		}
		flags, err := c.dev.Flags()
		if err != nil {
			err = c.keep(dr, err)
			record()
			return s, c.fail(s, err)
		}
		if flags.FIFOFull() {
			return s, c.overrun(s, dr, record)
		}
		block, err := dr.DrainOnce()
		if err != nil {
			err = c.keep(dr, err)
			record()
			return s, c.fail(s, err)
		}
		if len(block) > 0 {
			err := dr.Append(block)
			record()
			if err != nil {
				return s, c.fail(s, err)
			}
			continue
		}
		done, err := c.dev.Completed()
		c.update(func(s *Session) { s.Polls++ })
		if err != nil {
			err = c.keep(dr, err)
			record()
			return s, c.fail(s, err)
		}
		if done {
			break
		}
		d, err := c.next()
		if err != nil {
			err = c.keep(dr, err)
			record()
			return s, c.fail(s, err)
		}
		wait(ctx, d)
	}

	c.transition(Completing)
	if err := c.dev.Stop(); err != nil {
		err = c.keep(dr, err)
		record()
		return s, c.fail(s, err)
	}
	if out == Cancelled {
		if err := c.drainRest(dr); err != nil {
			err = c.keep(dr, err)
			record()
			return s, c.fail(s, err)
		}
	}
	err = dr.Flush()
	record()
	if err != nil {
		return s, c.fail(s, err)
	}
	c.finish(s, out, nil)
	return s, nil
}

// drainRest empties the FIFO after a cancelled stream has been stopped
func (c *Controller) drainRest(dr *Drainer) error {
	for {
		block, err := dr.DrainOnce()
		if err != nil {
			return err
		}
		if len(block) == 0 {
			return nil
		}
		if err := dr.Append(block); err != nil {
			return err
		}
	}
}

// keep flushes the records drained before a stream cycle ends early.  A
// flush failure is added to err unless err already came from the sink
func (c *Controller) keep(dr *Drainer, err error) error {
	if picoharp.KindOf(err) == picoharp.KindIO {
		return err
	}
	return multierr.Append(err, dr.Flush())
}

// overrun stops the measurement and ends the cycle keeping what was drained
func (c *Controller) overrun(s *Session, dr *Drainer, record func()) error {
	c.transition(Overrun)
	if err := c.dev.Stop(); err != nil {
		c.log.Warn("stop after overrun failed", "session", s.ID.String(), "err", err)
	}
	var err error = &picoharp.Error{Kind: picoharp.KindOverrun, Step: picoharp.StepFlags, Channel: picoharp.NoChannel,
		Err: fmt.Errorf("FIFO full after %d records, events after that point are lost", dr.Progress())}
	err = c.keep(dr, err)
	record()
	c.finish(s, Overran, err)
	return err
}
