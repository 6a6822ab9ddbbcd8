package sink

import (
	"io"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/picoharp"
)

// HeaderCards converts configuration header fields into FITS cards.  FITS
// keywords are at most 8 characters, the full name goes in the comment
func HeaderCards(header []picoharp.Field) []fitsio.Card {
	cards := make([]fitsio.Card, 0, len(header))
	for _, f := range header {
		cards = append(cards, fitsio.Card{Name: fitsKey(f.Name), Value: f.Value, Comment: f.Name})
	}
	return cards
}

var fitsKeys = map[string]string{
	"Binning":         "BINNING",
	"Offset":          "OFFSET",
	"AcquisitionTime": "ACQTIME",
	"SyncDivider":     "SYNCDIV",
	"CFDZeroCross0":   "CFDZC0",
	"CFDLevel0":       "CFDLVL0",
	"CFDZeroCross1":   "CFDZC1",
	"CFDLevel1":       "CFDLVL1",
}

func fitsKey(name string) string {
	if k, ok := fitsKeys[name]; ok {
		return k
	}
	if len(name) > 8 {
		name = name[:8]
	}
	return name
}

// WriteHistogramFITS streams set to w as a single 2-D image, bins along the
// first axis and channels along the second.  Counts are stored as 64-bit
// integers so no bin can wrap.  extra cards are appended after the
// configuration header
func WriteHistogramFITS(w io.Writer, header []picoharp.Field, set acquisition.HistogramSet, extra ...fitsio.Card) error {
	channels := len(set.Histograms)
	bins := 0
	if channels > 0 {
		bins = len(set.Histograms[0])
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(64, []int{bins, channels})
	defer im.Close()
	cards := HeaderCards(header)
	cards = append(cards,
		fitsio.Card{Name: "CHANNELS", Value: channels, Comment: "histogram channels"},
		fitsio.Card{Name: "OVERFLOW", Value: set.Overflow, Comment: "a bin reached the stop count"})
	cards = append(cards, extra...)
	if err := im.Header().Append(cards...); err != nil {
		return err
	}

	data := make([]int64, 0, bins*channels)
	for _, h := range set.Histograms {
		for _, v := range h {
			data = append(data, int64(v))
		}
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}
