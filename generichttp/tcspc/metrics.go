package tcspc

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/generichttp"
)

// Metrics holds the Prometheus collectors of an HTTPController
type Metrics struct {
	cycles    *prometheus.CounterVec
	records   prometheus.Counter
	integrals *prometheus.GaugeVec
}

func newMetrics(ctl *acquisition.Controller) (*Metrics, []prometheus.Collector) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "tcspc",
			Name:      "cycles_total",
			Help:      "Acquisition cycles by mode and outcome.",
		}, []string{"mode", "outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "tcspc",
			Name:      "records_total",
			Help:      "TTTR records written by stream cycles.",
		}),
		integrals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "tcspc",
			Name:      "histogram_counts",
			Help:      "Integral count of each channel of the last histogram cycle.",
		}, []string{"channel"}),
	}
	state := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "tcspc",
		Name:      "state",
		Help:      "Controller state: 0 Idle, 1 Armed, 2 Measuring, 3 Completing, 4 Overrun, 5 Failed.",
	}, func() float64 {
		return float64(ctl.State())
	})
	return m, []prometheus.Collector{m.cycles, m.records, m.integrals, state}
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(res.Mode, res.Outcome.String()).Inc()
	m.records.Add(float64(res.Records))
	for ch, n := range res.Integrals {
		m.integrals.WithLabelValues(strconv.Itoa(ch)).Set(float64(n))
	}
}

// EnableMetrics registers the controller's collectors with reg and serves
// them at GET /metrics
func (h *HTTPController) EnableMetrics(reg *prometheus.Registry) error {
	m, cs := newMetrics(h.inst.Ctl)
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.metrics = m
	h.mu.Unlock()
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP
	return nil
}
