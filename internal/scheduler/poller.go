// Package scheduler triggers periodic checks on a fixed interval.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ppiankov/changebell/internal/logging"
)

const (
	DefaultIntervalMinutes = 30
	DefaultWarmup          = 2 * time.Second
)

// Poller runs onTick every interval plus once shortly after Start.
// Missed ticks are not caught up. Stop does not cancel a tick in flight.
type Poller struct {
	log    logging.Logger
	unit   time.Duration
	warmup time.Duration

	mu       sync.Mutex
	c        *cron.Cron
	warm     *time.Timer
	onTick   func()
	interval int
	running  bool
}

type Option func(*Poller)

// WithWarmup sets the delay of the one-off tick after Start. Zero disables it.
func WithWarmup(d time.Duration) Option {
	return func(p *Poller) { p.warmup = d }
}

// WithUnit changes what one interval step means. Tests use seconds.
func WithUnit(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.unit = d
		}
	}
}

func New(log logging.Logger, opts ...Option) *Poller {
	p := &Poller{
		log:    log.With(logging.String("comp", "scheduler")),
		unit:   time.Minute,
		warmup: DefaultWarmup,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start schedules onTick every intervalMinutes (defaulting to 30 when not
// positive) and once after the warm-up delay. Starting a running poller
// replaces its schedule.
func (p *Poller) Start(intervalMinutes int, onTick func()) {
	if onTick == nil {
		return
	}
	if intervalMinutes <= 0 {
		intervalMinutes = DefaultIntervalMinutes
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	every := time.Duration(intervalMinutes) * p.unit
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{p.log})))
	c.Schedule(cron.Every(every), cron.FuncJob(onTick))
	c.Start()

	p.c = c
	p.onTick = onTick
	p.interval = intervalMinutes
	p.running = true
	if p.warmup > 0 {
		p.warm = time.AfterFunc(p.warmup, onTick)
	}

	p.log.Info("poller started", logging.Int("interval_minutes", intervalMinutes), logging.Duration("every", every))
}

// Stop cancels future ticks. It is safe to call repeatedly or before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.log.Info("poller stopped")
	}
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.warm != nil {
		p.warm.Stop()
		p.warm = nil
	}
	if p.c != nil {
		// Running jobs finish on their own; nothing waits for them.
		p.c.Stop()
		p.c = nil
	}
	p.running = false
}

// Restart re-schedules the previously registered onTick with a new interval.
// It is a no-op when Start was never called.
func (p *Poller) Restart(intervalMinutes int) {
	p.mu.Lock()
	onTick := p.onTick
	p.mu.Unlock()
	if onTick == nil {
		return
	}
	p.Start(intervalMinutes, onTick)
}

// Running reports whether a schedule is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Interval returns the active interval in minutes, or 0 when stopped.
func (p *Poller) Interval() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0
	}
	return p.interval
}

// NextRun returns when the periodic schedule fires next.
func (p *Poller) NextRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		return time.Time{}
	}
	entries := p.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logging.Err(err))...)
}

func kvFields(kv []any) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
