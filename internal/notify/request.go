// Package notify formats change notifications and delivers them through an
// ordered list of platform mechanisms, falling back until one succeeds.
package notify

import (
	"errors"
	"fmt"
	"strings"
)

// Request is a fully formatted notification. Mechanisms may ignore fields
// they cannot render.
type Request struct {
	Title       string
	Body        string
	URL         string // opened on click; empty means no click target
	Sound       bool
	ActionLabel string // label of the named "open" action
	Tags        []string
}

// Interaction is what the user did with a delivered notification.
type Interaction string

const (
	// InteractionActivate is a click on the notification itself.
	InteractionActivate Interaction = "activate"
	// InteractionOpen is a click on the named action button.
	InteractionOpen Interaction = "open"
)

// ActionFunc receives interactions reported by a mechanism. It may be called
// after Deliver returns.
type ActionFunc func(Interaction)

// Attempt records one mechanism try.
type Attempt struct {
	Mechanism string
	Err       error
}

// Outcome describes a dispatch.
type Outcome struct {
	ID        string // delivery id, stable across logs and history
	Mechanism string // mechanism that accepted the request; empty on failure
	Attempts  []Attempt
}

// ErrNoMechanisms is returned when the dispatcher has nothing to try.
var ErrNoMechanisms = errors.New("no notification mechanisms configured")

// DispatchError reports that every mechanism failed.
type DispatchError struct {
	Attempts []Attempt
}

func (e *DispatchError) Error() string {
	if len(e.Attempts) == 0 {
		return "dispatch notification: " + ErrNoMechanisms.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Mechanism, a.Err))
	}
	return "dispatch notification: all mechanisms failed (" + strings.Join(parts, "; ") + ")"
}

// Unwrap exposes the individual mechanism errors to errors.Is/As.
func (e *DispatchError) Unwrap() []error {
	if len(e.Attempts) == 0 {
		return []error{ErrNoMechanisms}
	}
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
