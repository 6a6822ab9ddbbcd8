package sink

import (
	"bufio"
	"fmt"
	"io"

	"github.com/nasa-jpl/tcspc/acquisition"
	"github.com/nasa-jpl/tcspc/picoharp"
)

// WriteHistogramTable writes the configuration header and the histograms as
// text.  One histogram is written as a single column of %5d; several are
// written side by side as %9d columns.  Every bin line is preceded by a
// newline, so the file has no trailing newline
func WriteHistogramTable(w io.Writer, header []picoharp.Field, hists []acquisition.Histogram) error {
	bw := bufio.NewWriter(w)
	for _, f := range header {
		if _, err := fmt.Fprintf(bw, "%-17s: %d\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	if len(hists) == 0 {
		return bw.Flush()
	}
	bins := len(hists[0])
	for _, h := range hists[1:] {
		if len(h) != bins {
			return fmt.Errorf("histograms differ in length: %d and %d bins", bins, len(h))
		}
	}
	// bufio.Writer errors are sticky and surface at Flush
	for i := 0; i < bins; i++ {
		bw.WriteByte('\n')
		if len(hists) == 1 {
			fmt.Fprintf(bw, "%5d", hists[0][i])
			continue
		}
		for ch, h := range hists {
			if ch > 0 {
				bw.WriteByte(' ')
			}
			fmt.Fprintf(bw, "%9d", h[i])
		}
	}
	return bw.Flush()
}
