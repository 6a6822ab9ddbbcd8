package sink

import (
	"github.com/astrogo/fitsio"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/picoharp"
)

func ioErr(err error) error {
	return &picoharp.Error{Kind: picoharp.KindIO, Step: picoharp.StepWrite, Channel: picoharp.NoChannel, Err: err}
}

// SaveHistograms writes the histograms of s as a text table and as a FITS
// image, returning the paths written.  s is not modified, so on failure the
// histograms are still available to the caller
func (r *Recorder) SaveHistograms(header []picoharp.Field, s *acquisition.Session, res picoharp.Resolution) ([]string, error) {
	if s.Histograms == nil {
		return nil, nil
	}
	var files []string
	txt, err := r.Create(".txt")
	if err != nil {
		return nil, ioErr(err)
	}
	files = append(files, txt.Name())
	err = multierr.Append(WriteHistogramTable(txt, header, s.Histograms), txt.Close())
	if err != nil {
		return files, ioErr(err)
	}

	fits, err := r.Create(".fits")
	if err != nil {
		return files, ioErr(err)
	}
	files = append(files, fits.Name())
	cards := []fitsio.Card{
		{Name: "SESSION", Value: s.ID.String(), Comment: "acquisition session"},
		{Name: "MODE", Value: string(s.Mode)},
		{Name: "OUTCOME", Value: s.Outcome.String()},
		{Name: "RESOLUT", Value: float64(res), Comment: "bin width, ps"},
		{Name: "DATE-OBS", Value: s.Started.UTC().Format("2006-01-02T15:04:05.000")},
	}
	err = multierr.Append(WriteHistogramFITS(fits, header, s.Set(), cards...), fits.Close())
	if err != nil {
		return files, ioErr(err)
	}
	return files, nil
}

// CreateEvents creates the next .out file for a TTTR stream
func (r *Recorder) CreateEvents() (*EventFile, error) {
	f, err := r.Create(".out")
	if err != nil {
		return nil, ioErr(err)
	}
	e := NewEventWriter(f)
	e.Path = f.Name()
	return e, nil
}
