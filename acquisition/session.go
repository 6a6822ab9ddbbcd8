package acquisition

import (
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/tcspc/picoharp"
)

// Session is one measurement cycle.  The Controller owns it until the cycle
// returns it; after that it is the caller's
type Session struct {
	ID   uuid.UUID
	Mode picoharp.Mode

	// AcquisitionTime is the requested window in milliseconds
	AcquisitionTime int

	Started  time.Time
	Finished time.Time

	// Histograms are sized at construction, one per channel.  They hold data
	// only after a successful harvest and are nil if the harvest failed
	Histograms []Histogram

	// Overflow is the histogram overflow flag of the cycle
	Overflow bool

	// Records is the number of TTTR records written to the sink
	Records uint64

	// Drains is the number of FIFO reads
	Drains int

	// Polls is the number of completion status polls
	Polls int

	// Unwritten is a block the sink refused, kept for the caller
	Unwritten []uint32

	Outcome Outcome
	Err     error
}

func newSession(mode picoharp.Mode, tacq, channels int) *Session {
	s := &Session{ID: uuid.New(), Mode: mode, AcquisitionTime: tacq, Started: time.Now()}
	if channels > 0 {
		s.Histograms = NewHistograms(channels)
	}
	return s
}

// Set returns the histograms and overflow flag as a HistogramSet
func (s *Session) Set() HistogramSet {
	return HistogramSet{Histograms: s.Histograms, Overflow: s.Overflow}
}

// Duration is the wall time of the cycle
func (s *Session) Duration() time.Duration {
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}

// Summary is a Session without its data, safe to hand out while a cycle runs
type Summary struct {
	ID              string    `json:"id"`
	Mode            string    `json:"mode"`
	State           State     `json:"state"`
	Outcome         Outcome   `json:"outcome"`
	AcquisitionTime int       `json:"acquisitionTimeMs"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished,omitempty"`
	Integrals       []uint64  `json:"integrals,omitempty"`
	Overflow        bool      `json:"overflow"`
	Records         uint64    `json:"records"`
	Polls           int       `json:"polls"`
	Error           string    `json:"error,omitempty"`
}

func (s *Session) summary(state State) Summary {
	sum := Summary{
		ID:              s.ID.String(),
		Mode:            string(s.Mode),
		State:           state,
		Outcome:         s.Outcome,
		AcquisitionTime: s.AcquisitionTime,
		Started:         s.Started,
		Finished:        s.Finished,
		Overflow:        s.Overflow,
		Records:         s.Records,
		Polls:           s.Polls,
	}
	if s.Outcome != Running && s.Histograms != nil {
		sum.Integrals = s.Set().Integrals()
	}
	if s.Err != nil {
		sum.Error = s.Err.Error()
	}
	return sum
}
