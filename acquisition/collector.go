package acquisition

import "github.com/nasa-jpl/tcspc/phlib"

// Histogram is the counts of one channel, phlib.HistChan bins long
type Histogram []uint32

// NewHistograms allocates channels zeroed histograms
func NewHistograms(channels int) []Histogram {
	out := make([]Histogram, channels)
	for i := range out {
		out[i] = make(Histogram, phlib.HistChan)
	}
	return out
}

// IntegralCount is the sum of all bins.  The uint64 accumulator cannot
// overflow for HistChan bins of uint32
func IntegralCount(h Histogram) uint64 {
	var sum uint64
	for _, v := range h {
		sum += uint64(v)
	}
	return sum
}

// Integral is IntegralCount(h)
func (h Histogram) Integral() uint64 {
	return IntegralCount(h)
}

// HistogramSource reads histogram memory
type HistogramSource interface {
	ReadHistogram(block int, counts []uint32) error
}

// Harvest reads channels histograms from src into new buffers
func Harvest(src HistogramSource, channels int) ([]Histogram, error) {
	return HarvestInto(src, NewHistograms(channels))
}

// HarvestInto reads one histogram per element of dst, block i into dst[i].
// A failure on any channel fails the whole harvest and returns no histograms
func HarvestInto(src HistogramSource, dst []Histogram) ([]Histogram, error) {
	for i, h := range dst {
		if len(h) < phlib.HistChan {
			h = make(Histogram, phlib.HistChan)
			dst[i] = h
		}
		if err := src.ReadHistogram(i, h); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// HistogramSet is the result of one histogram cycle
type HistogramSet struct {
	Histograms []Histogram

	// Overflow is read once per cycle and applies to the whole set
	Overflow bool
}

// Integrals returns the integral count of each channel
func (s HistogramSet) Integrals() []uint64 {
	out := make([]uint64, len(s.Histograms))
	for i, h := range s.Histograms {
		out[i] = h.Integral()
	}
	return out
}
