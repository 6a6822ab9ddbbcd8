// Package picoharp manages a session with one PicoHarp 300: opening a slot,
// initializing and calibrating it, and applying an acquisition Config.
package picoharp

import (
	"fmt"
	"strings"

	"github.com/nasa-jpl/tcspc/phlib"
)

// Mode is the acquisition mode of a Config
type Mode string

const (
	// Histogram is fixed-window histogramming on one channel
	Histogram Mode = "histogram"

	// RoutedHistogram is histogramming split over the channels of a router
	RoutedHistogram Mode = "routed"

	// EventStream is continuous TTTR event streaming
	EventStream Mode = "stream"
)

// ParseMode converts a string to a Mode.  Case is ignored and the short
// names "hist", "routing" and "tttr" are accepted
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "histogram", "hist":
		return Histogram, nil
	case "routed", "routing":
		return RoutedHistogram, nil
	case "stream", "tttr":
		return EventStream, nil
	}
	return "", fmt.Errorf("unknown acquisition mode %q, must be one of histogram, routed, stream", s)
}

// Histograms is true for the modes that harvest histogram memory
func (m Mode) Histograms() bool {
	return m == Histogram || m == RoutedHistogram
}

// Discriminator holds the constant fraction discriminator settings of an input, in mV
type Discriminator struct {
	Level     int `koanf:"level" yaml:"level"`
	ZeroCross int `koanf:"zerocross" yaml:"zerocross"`
}

// RouterChannel holds the PHR 800 settings of one routing channel
type RouterChannel struct {
	// Level is the input trigger level in mV
	Level int `koanf:"level" yaml:"level"`

	// Edge is 0 for falling, 1 for rising
	Edge int `koanf:"edge" yaml:"edge"`

	CFD Discriminator `koanf:"cfd" yaml:"cfd"`
}

// Router describes the routing accessory
type Router struct {
	// Channels is the number of routing channels the router must report
	Channels int `koanf:"channels" yaml:"channels"`

	// Inputs are the per channel settings, applied only to a PHR 800.
	// Channels without an entry are left alone
	Inputs []RouterChannel `koanf:"inputs" yaml:"inputs"`
}

// StopOverflow holds the histogram stop-on-overflow setting
type StopOverflow struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	Count   int  `koanf:"count" yaml:"count"`
}

// Config describes one acquisition.  It is a value; a Device never modifies it
type Config struct {
	Mode Mode `koanf:"mode" yaml:"mode"`

	// TTTR selects T2 or T3 records in EventStream mode
	TTTR string `koanf:"tttr" yaml:"tttr"`

	Binning int `koanf:"binning" yaml:"binning"`
	Offset  int `koanf:"offset" yaml:"offset"`

	// AcquisitionTime is the measurement window in milliseconds
	AcquisitionTime int `koanf:"acquisitiontime" yaml:"acquisitiontime"`

	SyncDivider int `koanf:"syncdivider" yaml:"syncdivider"`

	Input0 Discriminator `koanf:"input0" yaml:"input0"`
	Input1 Discriminator `koanf:"input1" yaml:"input1"`

	StopOverflow StopOverflow `koanf:"stopoverflow" yaml:"stopoverflow"`

	Router Router `koanf:"router" yaml:"router"`
}

// DefaultHistogramConfig is the single channel histogram setup
func DefaultHistogramConfig() Config {
	return Config{
		Mode:            Histogram,
		TTTR:            "T2",
		AcquisitionTime: 1000,
		SyncDivider:     8,
		Input0:          Discriminator{Level: 100, ZeroCross: 10},
		Input1:          Discriminator{Level: 100, ZeroCross: 10},
		StopOverflow:    StopOverflow{Enabled: true, Count: phlib.StopCountMax},
		Router:          Router{Channels: 4},
	}
}

// DefaultRoutedConfig is the four channel routed histogram setup
func DefaultRoutedConfig() Config {
	c := DefaultHistogramConfig()
	c.Mode = RoutedHistogram
	c.AcquisitionTime = 500
	c.Router.Inputs = make([]RouterChannel, 4)
	for i := range c.Router.Inputs {
		c.Router.Inputs[i] = RouterChannel{Level: -200, Edge: 0, CFD: Discriminator{Level: 100, ZeroCross: 10}}
	}
	return c
}

// DefaultStreamConfig is the T2 event streaming setup
func DefaultStreamConfig() Config {
	return Config{
		Mode:            EventStream,
		TTTR:            "T2",
		AcquisitionTime: 10000,
		SyncDivider:     1,
		Input0:          Discriminator{Level: 50, ZeroCross: 10},
		Input1:          Discriminator{Level: 150, ZeroCross: 10},
		Router:          Router{Channels: 4},
	}
}

// Input returns the discriminator of input channel ch
func (c Config) Input(ch int) Discriminator {
	if ch == 1 {
		return c.Input1
	}
	return c.Input0
}

// HardwareMode is the PHLib mode the device must be initialized in
func (c Config) HardwareMode() phlib.Mode {
	if c.Mode != EventStream {
		return phlib.ModeHist
	}
	if strings.EqualFold(c.TTTR, "T3") {
		return phlib.ModeT3
	}
	return phlib.ModeT2
}

// Validate checks the fields the instrument does not see.  Numeric ranges
// are left to the instrument
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == EventStream {
		switch strings.ToUpper(c.TTTR) {
		case "T2", "T3", "":
		default:
			return fmt.Errorf("TTTR format must be T2 or T3, got %q", c.TTTR)
		}
	}
	if c.Mode == RoutedHistogram && c.Router.Channels < 1 {
		return fmt.Errorf("routed mode needs at least one routing channel, got %d", c.Router.Channels)
	}
	return nil
}

// Field is one key/value line of an output header
type Field struct {
	Name  string
	Value int
}

// Header returns the configuration lines written ahead of histogram data
func (c Config) Header() []Field {
	return []Field{
		{"Binning", c.Binning},
		{"Offset", c.Offset},
		{"AcquisitionTime", c.AcquisitionTime},
		{"SyncDivider", c.SyncDivider},
		{"CFDZeroCross0", c.Input0.ZeroCross},
		{"CFDLevel0", c.Input0.Level},
		{"CFDZeroCross1", c.Input1.ZeroCross},
		{"CFDLevel1", c.Input1.Level},
	}
}

// Resolution is the width of one histogram bin in picoseconds
type Resolution float64

func (r Resolution) String() string {
	return fmt.Sprintf("%g ps", float64(r))
}
