/*Package main implements tcspc, a command line and HTTP front end to a PicoHarp 300.

It runs histogram, routed histogram and TTTR event stream acquisitions with
the settings from its configuration file and writes the results to dated
folders.
*/
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "tcspc.yml"

	// EnvPrefix marks environment variables that override the config file
	EnvPrefix = "TCSPC_"

	k = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `koanf:"root" yaml:"root"`

	// Prefix is the filename prefix to use
	Prefix string `koanf:"prefix" yaml:"prefix"`
}

type config struct {
	// Addr is the listen address of serve
	Addr string `koanf:"addr" yaml:"addr"`

	// Root is the URL root the routes of serve are mounted at
	Root string `koanf:"root" yaml:"root"`

	// Mock uses a simulated instrument instead of PHLib
	Mock bool `koanf:"mock" yaml:"mock"`

	// SerialNumber selects the device, "auto" for the first one found
	SerialNumber string `koanf:"serialnumber" yaml:"serialnumber"`

	// SettleMs is the wait in ms after initialization and sync divider changes
	SettleMs int `koanf:"settlems" yaml:"settlems"`

	// PollMs is the pause between completion polls, 0 to poll continuously
	PollMs int `koanf:"pollms" yaml:"pollms"`

	// PollLimit bounds the completion polls of one cycle, 0 for no bound
	PollLimit int `koanf:"polllimit" yaml:"polllimit"`

	// Repeat prompts for another cycle after each histogram
	Repeat bool `koanf:"repeat" yaml:"repeat"`

	// Metrics serves Prometheus metrics at /metrics
	Metrics bool `koanf:"metrics" yaml:"metrics"`

	// Debug enables debug logging
	Debug bool `koanf:"debug" yaml:"debug"`

	Acquisition picoharp.Config `koanf:"acquisition" yaml:"acquisition"`

	Recorder recorder `koanf:"recorder" yaml:"recorder"`
}

func defaults() config {
	return config{
		Addr:         ":8000",
		Root:         "/",
		SerialNumber: "auto",
		SettleMs:     int(picoharp.DefaultSettleDelay.Milliseconds()),
		Acquisition:  picoharp.DefaultHistogramConfig(),
		Recorder:     recorder{Root: ".", Prefix: "tcspc"},
	}
}

func setupconfig() error {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	// TCSPC_ACQUISITION_BINNING => acquisition.binning
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	}), nil)
}

func loadconfig() (config, error) {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	if c.SettleMs < int(picoharp.MinSettleDelay.Milliseconds()) {
		c.SettleMs = int(picoharp.MinSettleDelay.Milliseconds())
	}
	return c, c.Acquisition.Validate()
}

func root() {
	str := `tcspc runs time-correlated single photon counting acquisitions on a PicoHarp 300

Usage:
	tcspc <command>

Commands:
	run
	scan
	serve
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tcspc is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command mkconf
generates the configuration file with the default values.  Any key may be
overridden from the environment, e.g. TCSPC_ACQUISITION_ACQUISITIONTIME=500
or TCSPC_MOCK=true.

acquisition.mode is one of histogram, routed or stream.  Stream mode records
T2 or T3 events per acquisition.tttr.

run performs one acquisition, or repeats histograms until told to stop when
repeat is true.  Results go to recorder.root/yyyy-mm-dd.  Ctrl-C stops the
measurement early and still saves what was collected.

scan lists the devices in all 8 slots.

serve keeps the device open and exposes it over HTTP at addr+root.  GET
<root>/endpoints lists the routes.

mock: true uses a simulated instrument, no hardware or PHLib needed.

Exit codes: 0 ok or cancelled, 1 usage or configuration file, 2 no device,
3 device busy, 4 initialization, 5 calibration, 6 configuration,
7 acquisition, 8 FIFO overrun, 9 writing results, 10 closing the device.`
	fmt.Println(str)
}

func mkconf() error {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf() error {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("tcspc version %v, built for PHLib %s\n", Version, phlib.LibVersion)
}

func setuplogging(debug bool) {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		os.Exit(exitUsage)
	}
	if err := setupconfig(); err != nil {
		log.Println(err)
		os.Exit(exitUsage)
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "version":
		pversion()
		return
	case "mkconf":
		if err := mkconf(); err != nil {
			log.Println(err)
			os.Exit(exitUsage)
		}
		return
	case "conf":
		if err := printconf(); err != nil {
			log.Println(err)
			os.Exit(exitUsage)
		}
		return
	case "run", "scan", "serve":
	default:
		log.Printf("command %s not understood", cmd)
		root()
		os.Exit(exitUsage)
	}

	cfg, err := loadconfig()
	if err != nil {
		log.Println(err)
		os.Exit(exitUsage)
	}
	setuplogging(cfg.Debug)
	switch cmd {
	case "run":
		err = run(cfg)
	case "scan":
		err = scan(cfg)
	case "serve":
		err = serve(cfg)
	}
	if err != nil {
		log.Println(err)
	}
	os.Exit(exitCode(err))
}
