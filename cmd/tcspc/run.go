package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/generichttp"
	"github.com/nasa-jpl/tcspc/generichttp/tcspc"
	"github.com/nasa-jpl/tcspc/mathx"
	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"
	"github.com/nasa-jpl/tcspc/server/middleware/locker"
	"github.com/nasa-jpl/tcspc/sink"
	"github.com/nasa-jpl/tcspc/util"
)

const (
	exitOK    = 0
	exitUsage = 1
)

// exitCode maps an error to the process exit status.  Error kinds start at 2,
// a slot that would not close exits 10
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if k := picoharp.KindOf(err); k != 0 {
		return int(k) + 1
	}
	if errors.Is(err, acquisition.ErrBusy) {
		return int(picoharp.KindRuntime) + 1
	}
	return exitUsage
}

// mockRecords is the size of each TTTR block the simulator hands out per cycle
const mockRecords = 4096

// library returns PHLib, or a simulator when mock is set.  feed is called at
// the start of every cycle to give the simulator something to measure
func library(cfg config) (lib phlib.Library, feed func(), err error) {
	if !cfg.Mock {
		lib, err = phlib.NewNative()
		return lib, func() {}, err
	}
	sim := phlib.NewSimulator()
	feed = func() {
		switch cfg.Acquisition.Mode {
		case picoharp.EventStream:
			recs := make([]uint32, mockRecords)
			for i := range recs {
				recs[i] = uint32(i) * 2654435761
			}
			for i := 0; i < 4; i++ {
				sim.QueueRecords(recs)
			}
		case picoharp.RoutedHistogram:
			for b := 0; b < sim.RouterChannels; b++ {
				sim.InjectEvents(0, b, 2500*(b+1))
			}
		default:
			sim.InjectEvents(0, 0, 10000)
		}
	}
	return sim, feed, nil
}

// pacing builds the completion poll policy
func pacing(cfg config) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if cfg.PollMs > 0 {
		b = backoff.NewConstantBackOff(util.MsToDuration(cfg.PollMs))
	}
	if cfg.PollLimit > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.PollLimit))
	}
	return b
}

func selector(cfg config) picoharp.Selector {
	return picoharp.Selector{
		Serial:      cfg.SerialNumber,
		SettleDelay: util.MsToDuration(cfg.SettleMs),
		Logger:      slog.Default(),
	}
}

// prepare configures d and prints what the instrument reports about itself
func prepare(ctx context.Context, d *picoharp.Device, cfg config) (picoharp.Resolution, error) {
	res, err := d.Configure(cfg.Acquisition)
	if err != nil {
		return res, err
	}
	for _, w := range d.RouterWarnings {
		log.Println("router:", w)
	}
	rates, err := d.CountRates(ctx)
	if err != nil {
		return res, err
	}
	fmt.Printf("Resolution=%s Countrate=%s/s\n", res, util.IntSliceToCSV(rates))
	warn, err := d.HardwareWarnings()
	if err != nil {
		return res, err
	}
	if warn != 0 {
		log.Printf("hardware warnings 0x%x, check inputs and count rates\n", warn)
	}
	return res, nil
}

func run(cfg config) error {
	lib, feed, err := library(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Mode: %s\n", cfg.Acquisition.Mode)
	return picoharp.Acquire(lib, selector(cfg), cfg.Acquisition.HardwareMode(), func(d *picoharp.Device) error {
		res, err := prepare(ctx, d, cfg)
		if err != nil {
			return err
		}
		rec := sink.NewRecorder(cfg.Recorder.Root, cfg.Recorder.Prefix)
		opts := []acquisition.Option{
			acquisition.WithPoll(pacing(cfg)),
			acquisition.WithTransitionHook(func(from, to acquisition.State) {
				if to == acquisition.Armed {
					feed()
				}
			}),
		}
		if cfg.Acquisition.Mode == picoharp.EventStream {
			return stream(ctx, d, rec, cfg, opts)
		}
		return histograms(ctx, d, rec, cfg, res, opts)
	})
}

func histograms(ctx context.Context, d *picoharp.Device, rec *sink.Recorder, cfg config, res picoharp.Resolution, opts []acquisition.Option) error {
	spin := newSpinner(" measuring")
	ctl := acquisition.New(d, opts...)
	req := acquisition.HistogramRequest{
		Mode:            cfg.Acquisition.Mode,
		Channels:        d.Channels(),
		AcquisitionTime: cfg.Acquisition.AcquisitionTime,
	}
	var (
		saveErr error
		lines   <-chan string
	)
	if cfg.Repeat {
		lines = readLines(os.Stdin)
	}
	next := func(s *acquisition.Session) bool {
		spin.stop(s.Outcome.String())
		saveErr = report(rec, cfg, s, res)
		if saveErr != nil || !cfg.Repeat {
			return false
		}
		if !prompt(ctx, lines) {
			return false
		}
		if rates, err := d.CountRates(ctx); err == nil {
			fmt.Printf("Countrate=%s/s\n", util.IntSliceToCSV(rates))
		}
		spin.start()
		return true
	}
	spin.start()
	s, err := ctl.Repeat(ctx, req, next)
	if err != nil {
		spin.fail(err)
		return err
	}
	if s.Outcome == acquisition.Cancelled {
		// the cancelled cycle still harvested; keep it
		spin.stop(s.Outcome.String())
		return report(rec, cfg, s, res)
	}
	return saveErr
}

// report prints a histogram session and saves it
func report(rec *sink.Recorder, cfg config, s *acquisition.Session, res picoharp.Resolution) error {
	integrals := s.Set().Integrals()
	var total uint64
	for _, n := range integrals {
		total += n
	}
	fmt.Printf("Waitloop=%d  TotalCount=%d  Time=%.3fs\n", s.Polls, total, mathx.Round(s.Duration().Seconds(), 0.001))
	if len(integrals) > 1 {
		fmt.Printf("Counts per channel=%s\n", util.Uint64SliceToCSV(integrals))
	}
	if s.Overflow {
		log.Println("histogram overflow, the stop count was reached in at least one bin")
	}
	files, err := rec.SaveHistograms(cfg.Acquisition.Header(), s, res)
	for _, f := range files {
		fmt.Println("wrote", f)
	}
	return err
}

// readLines feeds the lines of r to the returned channel, lower cased and
// trimmed, from one goroutine.  The channel is closed at EOF
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- strings.TrimSpace(strings.ToLower(sc.Text()))
		}
	}()
	return lines
}

// prompt asks whether to run another cycle
func prompt(ctx context.Context, lines <-chan string) bool {
	fmt.Print("Enter c to continue or q to quit and press Enter: ")
	select {
	case <-ctx.Done():
		fmt.Println()
		return false
	case a, ok := <-lines:
		return ok && a == "c"
	}
}

func stream(ctx context.Context, d *picoharp.Device, rec *sink.Recorder, cfg config, opts []acquisition.Option) error {
	f, err := rec.CreateEvents()
	if err != nil {
		return err
	}
	fmt.Println("writing to", f.Path)
	spin := newSpinner(" streaming")
	opts = append(opts, acquisition.WithProgress(func(n uint64) {
		spin.message(fmt.Sprintf("Progress:%9d", n))
	}, 100*time.Millisecond))
	ctl := acquisition.New(d, opts...)

	spin.start()
	s, err := ctl.RunStream(ctx, acquisition.StreamRequest{AcquisitionTime: cfg.Acquisition.AcquisitionTime}, f)
	cerr := f.Close()
	if err != nil {
		spin.fail(err)
	} else {
		spin.stop(s.Outcome.String())
	}
	if s != nil {
		fmt.Printf("Progress:%9d records, %d bytes, crc32 %08x\n", f.Records(), f.Bytes(), f.CRC32())
		fmt.Printf("Rate=%.0f records/s\n", mathx.Rate(f.Records(), s.Duration().Seconds()))
		if len(s.Unwritten) > 0 {
			log.Printf("%d records could not be written\n", len(s.Unwritten))
		}
	}
	if cerr != nil && !errors.Is(err, picoharp.ErrIO) {
		err = multierr.Append(err, &picoharp.Error{Kind: picoharp.KindIO, Step: picoharp.StepWrite, Channel: picoharp.NoChannel, Err: cerr})
	}
	return err
}

func scan(cfg config) error {
	lib, _, err := library(cfg)
	if err != nil {
		return err
	}
	if v, err := picoharp.CheckVersion(lib, slog.Default()); err == nil {
		fmt.Printf("PHLib version %s\n", v)
	}
	devs, stats := picoharp.Scan(lib)
	fmt.Println("Devidx     Status")
	for _, s := range stats {
		switch {
		case s.Present():
			fmt.Printf("  %1d        S/N %s\n", s.Index, s.Serial)
		case errors.Is(s.Err, picoharp.ErrNotPresent):
			fmt.Printf("  %1d        no device\n", s.Index)
		default:
			fmt.Printf("  %1d        %s\n", s.Index, s.Err)
		}
	}
	if len(devs) == 0 {
		log.Println("no device available")
	}
	return picoharp.CloseAll(lib)
}

func serve(cfg config) error {
	lib, feed, err := library(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return picoharp.Acquire(lib, selector(cfg), cfg.Acquisition.HardwareMode(), func(d *picoharp.Device) error {
		if _, err := prepare(ctx, d, cfg); err != nil {
			return err
		}
		ctl := acquisition.New(d,
			acquisition.WithPoll(pacing(cfg)),
			acquisition.WithTransitionHook(func(from, to acquisition.State) {
				if to == acquisition.Armed {
					feed()
				}
			}))
		rec := sink.NewRecorder(cfg.Recorder.Root, cfg.Recorder.Prefix)
		h := tcspc.NewHTTPController(tcspc.Instrument{Dev: d, Ctl: ctl, Cfg: cfg.Acquisition, Rec: rec})
		if cfg.Metrics {
			if err := h.EnableMetrics(prometheus.NewRegistry()); err != nil {
				return err
			}
		}
		lock := locker.New()
		locker.Inject(h, lock)

		// clean up the submux string
		hndlrS := generichttp.SubMuxSanitize(cfg.Root)
		root := chi.NewRouter()
		root.Use(middleware.Logger)
		mux := chi.NewRouter()
		mux.Use(lock.Check)
		h.RT().Bind(mux)
		root.Mount(hndlrS, mux)

		srv := &http.Server{Addr: cfg.Addr, Handler: root}
		go func() {
			<-ctx.Done()
			ctl.Cancel()
			shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shut)
		}()
		log.Println("now listening for requests at ", cfg.Addr+hndlrS)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}
