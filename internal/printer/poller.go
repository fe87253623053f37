package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultIdleInterval     = 2 * time.Second
	DefaultPrintingInterval = 10 * time.Second
)

// Report is one status poll
type Report struct {
	Temperatures Temperatures `json:"temperatures"`
	Position     *Position    `json:"position,omitempty"`
	Printing     bool         `json:"printing"`
	Time         time.Time    `json:"time"`
}

func (r Report) String() string {
	var b strings.Builder

	t := r.Temperatures
	fmt.Fprintf(&b, "T:%.1f/%.1f", t.Nozzle, t.NozzleTarget)

	if t.HasBed {
		fmt.Fprintf(&b, " B:%.1f/%.1f", t.Bed, t.BedTarget)
	}

	if p := r.Position; p != nil {
		fmt.Fprintf(&b, " X:%.2f Y:%.2f Z:%.2f", p.X, p.Y, p.Z)
	}

	return b.String()
}

// Pollable is the part of a session the poller drives
type Pollable interface {
	Status() Status
	Poll() (Report, error)
}

// PollerOptions configures a Poller. Zero intervals take the defaults.
type PollerOptions struct {
	Idle     time.Duration
	Printing time.Duration
	OnReport func(Report)
	Logger   *slog.Logger
}

// Poller reads the printer status on a timer while a printer is connected.
// It polls less often while a stored file is printing.
type Poller struct {
	session  Pollable
	onReport func(Report)
	log      *slog.Logger

	mu       sync.Mutex
	idle     time.Duration
	printing time.Duration
	last     *Report
}

func NewPoller(session Pollable, opts PollerOptions) *Poller {
	p := &Poller{
		session:  session,
		onReport: opts.OnReport,
		log:      opts.Logger,
	}

	if p.log == nil {
		p.log = slog.Default()
	}

	p.SetIntervals(opts.Idle, opts.Printing)

	return p
}

// SetIntervals changes the poll rate from the next tick on
func (p *Poller) SetIntervals(idle, printing time.Duration) {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}

	if printing <= 0 {
		printing = DefaultPrintingInterval
	}

	p.mu.Lock()
	p.idle = idle
	p.printing = printing
	p.mu.Unlock()
}

// Last returns the most recent successful poll
func (p *Poller) Last() (Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == nil {
		return Report{}, false
	}

	return *p.last, true
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(p.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		p.poll()

		timer.Reset(p.interval())
	}
}

func (p *Poller) interval() time.Duration {
	printing := p.session.Status().Printing

	p.mu.Lock()
	defer p.mu.Unlock()

	if printing {
		return p.printing
	}

	return p.idle
}

func (p *Poller) poll() {
	if p.session.Status().State != StateConnected {
		return
	}

	r, err := p.session.Poll()

	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotConnected):
		// another command holds the line; try again next tick
		return
	case err != nil:
		p.log.Warn("Status poll failed", "error", err)
		return
	}

	p.mu.Lock()
	p.last = &r
	p.mu.Unlock()

	if p.onReport != nil {
		p.onReport(r)
	}
}
