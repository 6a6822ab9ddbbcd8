// Package tcspc provides an HTTP interface to a PicoHarp acquisition controller.
//
// Requests trigger and observe acquisitions; results are written to local
// disk by a sink.Recorder and only their summaries are returned.
package tcspc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/generichttp"
	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"
	"github.com/nasa-jpl/tcspc/sink"
)

// Instrument bundles a configured device with its controller
type Instrument struct {
	Dev *picoharp.Device
	Ctl *acquisition.Controller

	// Cfg is the configuration the device was set up with
	Cfg picoharp.Config

	// Rec persists results.  When nil or disabled nothing is written
	Rec *sink.Recorder
}

// Result is the reply to an acquisition request
type Result struct {
	acquisition.Summary

	ResolutionPs float64  `json:"resolutionPs"`
	CountRates   []int    `json:"countRates,omitempty"`
	Files        []string `json:"files,omitempty"`
	CRC32        string   `json:"crc32,omitempty"`
}

// HTTPController wraps an Instrument in an HTTP route table
type HTTPController struct {
	inst Instrument

	// busy is held by any request that talks to the device
	busy sync.Mutex

	mu      sync.Mutex
	last    *Result
	metrics *Metrics

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPController returns a new HTTP wrapper around an instrument
func NewHTTPController(inst Instrument) *HTTPController {
	h := &HTTPController{inst: inst}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:                h.State(),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/resolution"}:           h.Resolution(),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/count-rate/{channel}"}: h.CountRate,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}:               h.Config,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/session"}:              h.Session,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/histogram"}:           h.Histogram,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stream"}:              h.Stream,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/cancel"}:              h.Cancel,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}:            h.Endpoints,
	}
	if inst.Rec != nil {
		sink.NewHTTPWrapper(inst.Rec).Inject(h)
	}
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPController) RT() generichttp.RouteTable {
	return h.RouteTable
}

// State returns the controller state as json {'str': state}
func (h *HTTPController) State() http.HandlerFunc {
	return generichttp.GetString(func() (string, error) {
		return h.inst.Ctl.State().String(), nil
	})
}

// Resolution returns the bin width in ps as json {'f64': ps}
func (h *HTTPController) Resolution() http.HandlerFunc {
	return generichttp.GetFloat(func() (float64, error) {
		return float64(h.inst.Dev.Resolution()), nil
	})
}

// CountRate returns the count rate of an input as json {'int': counts/s}.
// It is refused while an acquisition runs
func (h *HTTPController) CountRate(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil || ch < 0 || ch >= phlib.InputChannels {
		http.Error(w, fmt.Sprintf("channel must be 0..%d", phlib.InputChannels-1), http.StatusBadRequest)
		return
	}
	if !h.busy.TryLock() {
		http.Error(w, "count rates are not read during an acquisition", http.StatusConflict)
		return
	}
	defer h.busy.Unlock()
	generichttp.GetInt(func() (int, error) {
		return h.inst.Dev.CountRate(r.Context(), ch)
	})(w, r)
}

// Config returns the acquisition configuration as JSON
func (h *HTTPController) Config(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, http.StatusOK, h.inst.Cfg)
}

// Session returns the active or most recent session as JSON.  A finished
// session includes the files written for it
func (h *HTTPController) Session(w http.ResponseWriter, r *http.Request) {
	sum, ok := h.inst.Ctl.Summary()
	if !ok {
		http.Error(w, "no acquisition has run", http.StatusNotFound)
		return
	}
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last != nil && last.ID == sum.ID {
		generichttp.RespondJSON(w, http.StatusOK, last)
		return
	}
	generichttp.RespondJSON(w, http.StatusOK, Result{Summary: sum, ResolutionPs: float64(h.inst.Dev.Resolution())})
}

// Cancel ends the active cycle at its next poll.  It is a no-op when idle
func (h *HTTPController) Cancel(w http.ResponseWriter, r *http.Request) {
	h.inst.Ctl.Cancel()
	w.WriteHeader(http.StatusOK)
}

// Endpoints lists the routes as JSON
func (h *HTTPController) Endpoints(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, http.StatusOK, h.RouteTable.Endpoints())
}

// acquisitionTime reads the optional tacq query parameter, in ms
func (h *HTTPController) acquisitionTime(r *http.Request) (int, error) {
	s := r.URL.Query().Get("tacq")
	if s == "" {
		return h.inst.Cfg.AcquisitionTime, nil
	}
	t, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if t < phlib.AcqTMin || t > phlib.AcqTMax {
		return 0, fmt.Errorf("tacq must be within %d..%d ms", phlib.AcqTMin, phlib.AcqTMax)
	}
	return t, nil
}

func (h *HTTPController) recording() bool {
	if h.inst.Rec == nil {
		return false
	}
	on, _ := h.inst.Rec.GetEnabled()
	return on
}

// rates reads the count rates ahead of a cycle.  A failure is logged, not fatal
func (h *HTTPController) rates(ctx context.Context) []int {
	rates, err := h.inst.Dev.CountRates(ctx)
	if err != nil {
		log.Printf("count rates unavailable: %v", err)
		return nil
	}
	log.Printf("count rates %v", rates)
	return rates
}

// status maps a cycle error to an HTTP status.  An overrun is reported in
// the result with its partial data, so it is not an HTTP failure unless the
// partial data could not be written
func status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, picoharp.ErrIO):
		return http.StatusInternalServerError
	case errors.Is(err, picoharp.ErrOverrun):
		return http.StatusOK
	case errors.Is(err, acquisition.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *HTTPController) reply(w http.ResponseWriter, s *acquisition.Session, res Result, err error) {
	if s == nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	sum, _ := h.inst.Ctl.Summary()
	res.Summary = sum
	res.ResolutionPs = float64(h.inst.Dev.Resolution())
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	h.mu.Lock()
	h.last = &res
	m := h.metrics
	h.mu.Unlock()
	m.observe(res)
	generichttp.RespondJSON(w, status(err), res)
}

// Histogram runs one histogram cycle and saves the result.  The cycle is
// cancelled if the client goes away
func (h *HTTPController) Histogram(w http.ResponseWriter, r *http.Request) {
	cfg := h.inst.Cfg
	if !cfg.Mode.Histograms() {
		http.Error(w, fmt.Sprintf("device is configured for %s", cfg.Mode), http.StatusConflict)
		return
	}
	tacq, err := h.acquisitionTime(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.busy.TryLock() {
		http.Error(w, acquisition.ErrBusy.Error(), http.StatusConflict)
		return
	}
	defer h.busy.Unlock()
	res := Result{CountRates: h.rates(r.Context())}
	req := acquisition.HistogramRequest{Mode: cfg.Mode, Channels: h.inst.Dev.Channels(), AcquisitionTime: tacq}
	s, err := h.inst.Ctl.RunHistogram(r.Context(), req)
	if s != nil && s.Histograms != nil && h.recording() {
		cfg.AcquisitionTime = tacq
		files, serr := h.inst.Rec.SaveHistograms(cfg.Header(), s, h.inst.Dev.Resolution())
		res.Files = files
		if serr != nil {
			log.Printf("saving session %s: %v", s.ID, serr)
			if err == nil {
				err = serr
			}
		}
	}
	h.reply(w, s, res, err)
}

// Stream runs one event stream cycle into a new event file
func (h *HTTPController) Stream(w http.ResponseWriter, r *http.Request) {
	cfg := h.inst.Cfg
	if cfg.Mode != picoharp.EventStream {
		http.Error(w, fmt.Sprintf("device is configured for %s", cfg.Mode), http.StatusConflict)
		return
	}
	tacq, err := h.acquisitionTime(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.busy.TryLock() {
		http.Error(w, acquisition.ErrBusy.Error(), http.StatusConflict)
		return
	}
	defer h.busy.Unlock()
	res := Result{CountRates: h.rates(r.Context())}
	var ev *sink.EventFile
	if h.recording() {
		ev, err = h.inst.Rec.CreateEvents()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res.Files = []string{ev.Path}
	} else {
		ev = sink.NewEventWriter(io.Discard)
	}
	s, err := h.inst.Ctl.RunStream(r.Context(), acquisition.StreamRequest{AcquisitionTime: tacq}, ev)
	if cerr := ev.Close(); cerr != nil {
		err = multierr.Append(err, &picoharp.Error{Kind: picoharp.KindIO, Step: picoharp.StepWrite, Channel: picoharp.NoChannel, Err: cerr})
	}
	res.CRC32 = fmt.Sprintf("%08x", ev.CRC32())
	h.reply(w, s, res, err)
}
