package tcspc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"
	"github.com/nasa-jpl/tcspc/sink"
)

func setup(t *testing.T, cfg picoharp.Config, opts ...acquisition.Option) (*phlib.Simulator, *HTTPController, http.Handler) {
	t.Helper()
	sim := phlib.NewSimulator()
	d, err := picoharp.Open(sim, 0)
	if err != nil {
		t.Fatal(err)
	}
	d.SettleDelay = picoharp.MinSettleDelay
	if err := d.Initialize(cfg.HardwareMode()); err != nil {
		t.Fatal(err)
	}
	if err := d.Calibrate(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	opts = append([]acquisition.Option{acquisition.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h := NewHTTPController(Instrument{
		Dev: d,
		Ctl: acquisition.New(d, opts...),
		Cfg: cfg,
		Rec: sink.NewRecorder(t.TempDir(), "run"),
	})
	mux := chi.NewRouter()
	h.RT().Bind(mux)
	return sim, h, mux
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	m := map[string]interface{}{}
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return m
}

func TestStateAndResolution(t *testing.T) {
	_, _, mux := setup(t, picoharp.DefaultHistogramConfig())
	if body := strings.TrimSpace(do(mux, http.MethodGet, "/state").Body.String()); body != `{"str":"Idle"}` {
		t.Errorf("expected Idle got %s", body)
	}
	if body := strings.TrimSpace(do(mux, http.MethodGet, "/resolution").Body.String()); body != `{"f64":4}` {
		t.Errorf("expected 4 ps got %s", body)
	}
}

func TestCountRate(t *testing.T) {
	_, _, mux := setup(t, picoharp.DefaultHistogramConfig())
	if body := strings.TrimSpace(do(mux, http.MethodGet, "/count-rate/1").Body.String()); body != `{"int":20000}` {
		t.Errorf("expected 20000 got %s", body)
	}
	for _, p := range []string{"/count-rate/2", "/count-rate/x"} {
		if code := do(mux, http.MethodGet, p).Code; code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 got %d", p, code)
		}
	}
}

func TestHistogramSavesFiles(t *testing.T) {
	sim, _, mux := setup(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 3
	sim.InjectEvents(0, 0, 250)
	if code := do(mux, http.MethodGet, "/session").Code; code != http.StatusNotFound {
		t.Errorf("expected 404 before any acquisition got %d", code)
	}
	w := do(mux, http.MethodPost, "/histogram?tacq=200")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res["outcome"] != "completed" {
		t.Errorf("expected outcome completed got %v", res["outcome"])
	}
	if ints, _ := res["integrals"].([]interface{}); len(ints) != 1 || ints[0] != 250.0 {
		t.Errorf("expected integrals [250] got %v", res["integrals"])
	}
	files, _ := res["files"].([]interface{})
	if len(files) != 2 {
		t.Fatalf("expected 2 files got %v", res["files"])
	}
	b, err := os.ReadFile(files[0].(string))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "AcquisitionTime  : 200\n") {
		t.Error("expected the table header to carry the requested acquisition time")
	}

	sess := decode(t, do(mux, http.MethodGet, "/session"))
	if sess["id"] != res["id"] || sess["files"] == nil {
		t.Errorf("expected /session to return the last result, got %v", sess)
	}
}

func TestHistogramWrongMode(t *testing.T) {
	_, _, mux := setup(t, picoharp.DefaultStreamConfig())
	if code := do(mux, http.MethodPost, "/histogram").Code; code != http.StatusConflict {
		t.Errorf("expected 409 got %d", code)
	}
	if code := do(mux, http.MethodPost, "/stream?tacq=0").Code; code != http.StatusBadRequest {
		t.Errorf("expected 400 for a zero acquisition time got %d", code)
	}
}

func TestStream(t *testing.T) {
	sim, _, mux := setup(t, picoharp.DefaultStreamConfig())
	sim.CTCAfter = 2
	recs := make([]uint32, 600)
	for i := range recs {
		recs[i] = uint32(i)
	}
	sim.QueueRecords(recs)
	w := do(mux, http.MethodPost, "/stream")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res["records"] != 600.0 {
		t.Errorf("expected 600 records got %v", res["records"])
	}
	files, _ := res["files"].([]interface{})
	if len(files) != 1 {
		t.Fatalf("expected one event file got %v", res["files"])
	}
	st, err := os.Stat(files[0].(string))
	if err != nil || st.Size() != 2400 {
		t.Errorf("expected a 2400 byte event file, got %v %v", st, err)
	}
	if crc, _ := res["crc32"].(string); len(crc) != 8 {
		t.Errorf("expected a hex CRC got %v", res["crc32"])
	}
}

func TestStreamOverrunIsReported(t *testing.T) {
	sim, _, mux := setup(t, picoharp.DefaultStreamConfig())
	sim.FIFOFullAt = 2
	sim.QueueRecords(make([]uint32, 10))
	w := do(mux, http.MethodPost, "/stream")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	res := decode(t, w)
	if res["outcome"] != "overrun" || res["error"] == nil {
		t.Errorf("expected an overrun with its error, got %v", res)
	}
}

func TestCancelAndBusy(t *testing.T) {
	sim, h, mux := setup(t, picoharp.DefaultHistogramConfig(), acquisition.WithPoll(&backoff.ConstantBackOff{Interval: time.Millisecond}))
	sim.CTCAfter = 1 << 30
	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- do(mux, http.MethodPost, "/histogram")
	}()
	deadline := time.Now().Add(5 * time.Second)
	for h.inst.Ctl.State() != acquisition.Measuring {
		if time.Now().After(deadline) {
			t.Fatal("cycle never started")
		}
		time.Sleep(time.Millisecond)
	}
	if code := do(mux, http.MethodPost, "/histogram").Code; code != http.StatusConflict {
		t.Errorf("expected 409 for a second cycle got %d", code)
	}
	if code := do(mux, http.MethodGet, "/count-rate/0").Code; code != http.StatusConflict {
		t.Errorf("expected 409 for a count rate during a cycle got %d", code)
	}
	if code := do(mux, http.MethodPost, "/cancel").Code; code != http.StatusOK {
		t.Errorf("expected 200 from cancel got %d", code)
	}
	w := <-done
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if res := decode(t, w); res["outcome"] != "cancelled" {
		t.Errorf("expected outcome cancelled got %v", res["outcome"])
	}
}

func TestEndpoints(t *testing.T) {
	_, _, mux := setup(t, picoharp.DefaultHistogramConfig())
	var eps []string
	if err := json.NewDecoder(do(mux, http.MethodGet, "/endpoints").Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(eps, ",")
	for _, want := range []string{"POST /histogram", "GET /count-rate/{channel}", "POST /autowrite/root"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %s in %v", want, eps)
		}
	}
}

func TestMetrics(t *testing.T) {
	sim, h, _ := setup(t, picoharp.DefaultHistogramConfig())
	sim.CTCAfter = 1
	sim.InjectEvents(0, 0, 42)
	reg := prometheus.NewRegistry()
	if err := h.EnableMetrics(reg); err != nil {
		t.Fatal(err)
	}
	mux := chi.NewRouter()
	h.RT().Bind(mux)
	if code := do(mux, http.MethodPost, "/histogram").Code; code != http.StatusOK {
		t.Fatalf("expected 200 got %d", code)
	}
	if n := testutil.ToFloat64(h.metrics.cycles.WithLabelValues("histogram", "completed")); n != 1 {
		t.Errorf("expected one completed cycle got %v", n)
	}
	if n := testutil.ToFloat64(h.metrics.integrals.WithLabelValues("0")); n != 42 {
		t.Errorf("expected 42 counts got %v", n)
	}
	body := do(mux, http.MethodGet, "/metrics").Body.String()
	if !strings.Contains(body, "tcspc_state 0") {
		t.Errorf("expected the state gauge in %s", body)
	}
}
