package main

import (
	"log"
	"time"

	"github.com/theckman/yacspin"
)

// spinner shows progress on the terminal.  Without a usable terminal it
// falls back to plain log lines
type spinner struct {
	s    *yacspin.Spinner
	last string
}

func newSpinner(suffix string) *spinner {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		log.Println("spinner unavailable:", err)
		return &spinner{}
	}
	return &spinner{s: s}
}

func (sp *spinner) start() {
	if sp.s == nil {
		return
	}
	if err := sp.s.Start(); err != nil {
		sp.s = nil
	}
}

func (sp *spinner) message(msg string) {
	if sp.s == nil {
		if msg != sp.last {
			log.Println(msg)
			sp.last = msg
		}
		return
	}
	sp.s.Message(msg)
}

func (sp *spinner) stop(msg string) {
	if sp.s == nil {
		log.Println(msg)
		return
	}
	sp.s.StopMessage(msg)
	sp.s.Stop()
}

func (sp *spinner) fail(err error) {
	if sp.s == nil {
		return
	}
	sp.s.StopFailMessage(err.Error())
	sp.s.StopFail()
}
