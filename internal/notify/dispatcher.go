package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ppiankov/changebell/internal/logging"
)

// Mechanism delivers a notification through one platform facility.
// Deliver returns nil once the platform accepted the request. Interactions
// that happen later are reported through onAction.
type Mechanism interface {
	Name() string
	Deliver(ctx context.Context, req Request, onAction ActionFunc) error
}

// Dispatcher tries mechanisms in order until one succeeds. It is safe for
// concurrent use; mechanisms and rate can be swapped while running.
type Dispatcher struct {
	log logging.Logger

	mu         sync.RWMutex
	mechanisms []Mechanism
	limiter    *rate.Limiter
	onOpen     func(url string)
}

// NewDispatcher builds a dispatcher. ratePerMinute <= 0 disables the storm
// guard.
func NewDispatcher(mechanisms []Mechanism, ratePerMinute int, log logging.Logger) *Dispatcher {
	d := &Dispatcher{log: log.With(logging.String("comp", "notify"))}
	d.SetMechanisms(mechanisms)
	d.SetRate(ratePerMinute)
	return d
}

// SetMechanisms replaces the ordered mechanism list.
func (d *Dispatcher) SetMechanisms(mechanisms []Mechanism) {
	cp := make([]Mechanism, 0, len(mechanisms))
	for _, m := range mechanisms {
		if m != nil {
			cp = append(cp, m)
		}
	}
	d.mu.Lock()
	d.mechanisms = cp
	d.mu.Unlock()
}

// SetRate sets the maximum sustained deliveries per minute. Bursts up to the
// same number pass immediately; later ones wait for a token.
func (d *Dispatcher) SetRate(perMinute int) {
	var lim *rate.Limiter
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	d.mu.Lock()
	d.limiter = lim
	d.mu.Unlock()
}

// SetOnOpen registers the handler that opens a URL after a click.
func (d *Dispatcher) SetOnOpen(fn func(url string)) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

// Mechanisms returns the names of the configured mechanisms in order.
func (d *Dispatcher) Mechanisms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.mechanisms))
	for _, m := range d.mechanisms {
		names = append(names, m.Name())
	}
	return names
}

// Dispatch delivers req through the first mechanism that accepts it.
// When all fail the error is a *DispatchError; the Outcome still lists the
// attempts. Dispatch never panics on mechanism failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	d.mu.RLock()
	mechanisms := d.mechanisms
	lim := d.limiter
	d.mu.RUnlock()

	out := Outcome{ID: uuid.NewString()}
	log := d.log.With(logging.String("delivery_id", out.ID), logging.String("title", req.Title))

	if len(mechanisms) == 0 {
		log.Warn("notification dropped", logging.Err(ErrNoMechanisms))
		return out, &DispatchError{}
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return out, fmt.Errorf("wait for notification slot: %w", err)
		}
	}

	onAction := d.actionHandler(req.URL, log)
	for _, m := range mechanisms {
		err := d.deliver(ctx, m, req, onAction)
		out.Attempts = append(out.Attempts, Attempt{Mechanism: m.Name(), Err: err})
		if err == nil {
			out.Mechanism = m.Name()
			log.Info("notification delivered", logging.String("mechanism", m.Name()), logging.Int("attempts", len(out.Attempts)))
			return out, nil
		}
		log.Debug("notification mechanism failed", logging.String("mechanism", m.Name()), logging.Err(err))
	}

	derr := &DispatchError{Attempts: out.Attempts}
	log.Warn("notification not delivered", logging.Err(derr))
	return out, derr
}

func (d *Dispatcher) deliver(ctx context.Context, m Mechanism, req Request, onAction ActionFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", m.Name(), r)
		}
	}()
	return m.Deliver(ctx, req, onAction)
}

// actionHandler routes every reported interaction to the open handler once.
func (d *Dispatcher) actionHandler(url string, log logging.Logger) ActionFunc {
	return func(i Interaction) {
		if url == "" {
			return
		}
		d.mu.RLock()
		open := d.onOpen
		d.mu.RUnlock()
		if open == nil {
			log.Debug("notification interaction ignored; no opener", logging.String("interaction", string(i)))
			return
		}
		log.Info("notification clicked", logging.String("interaction", string(i)), logging.String("url", url))
		open(url)
	}
}
