package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single status line updated with the current phase
// and the elapsed (or remaining) seconds.
//
//	p := NewProgressPrinter(w, "Reading 2A19", "Connecting")
//	p.Start()
//	defer p.Stop()
//
// A disabled printer (non-interactive output) ignores every call. Stop is
// idempotent; a stopped printer cannot be restarted.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	enabled  bool

	startOnce sync.Once
	stopOnce  sync.Once
	startTime time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that counts elapsed seconds
func NewProgressPrinter(out io.Writer, enabled bool, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:     out,
		prefix:  prefix,
		enabled: enabled,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from duration
func NewCountdownProgressPrinter(out io.Writer, enabled bool, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(out, enabled, prefix, phase)
	p.duration = duration
	return p
}

// Start begins updating the status line in the background
func (p *ProgressPrinter) Start() {
	if !p.enabled {
		return
	}
	p.startOnce.Do(func() {
		p.startTime = time.Now()
		p.print(p.phase.Load().(string), 0)
		go p.loop()
	})
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			elapsed := time.Since(p.startTime)
			seconds := int(elapsed.Seconds())
			if p.duration > 0 {
				seconds = 0
				if remaining := p.duration - elapsed; remaining > 0 {
					// round to the nearest second
					seconds = int(remaining.Seconds() + 0.5)
				}
			}
			p.print(p.phase.Load().(string), seconds)
		}
	}
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	prefix := color.New(color.FgCyan).Sprint(p.prefix)
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", prefix, phase)
	}
}

// SetPhase changes the phase shown on the status line
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop clears the status line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	if !p.enabled {
		return
	}
	p.stopOnce.Do(func() {
		started := false
		p.startOnce.Do(func() {})
		if !p.startTime.IsZero() {
			started = true
		}
		close(p.stop)
		if started {
			<-p.done
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}
