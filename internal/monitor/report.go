package monitor

import "time"

// SourceReport is what happened to one source in one cycle.
type SourceReport struct {
	Name          string `json:"name"`
	Label         string `json:"label"`
	Kind          string `json:"kind"`
	Result        string `json:"result"` // new, unchanged, no_item
	ItemID        string `json:"item_id,omitempty"`
	ItemTitle     string `json:"item_title,omitempty"`
	Mechanism     string `json:"mechanism,omitempty"`
	Suppressed    bool   `json:"suppressed,omitempty"` // new item seen while notifications are disabled
	Error         string `json:"error,omitempty"`      // fetch or parse failure
	DispatchError string `json:"dispatch_error,omitempty"`
	Aborted       bool   `json:"aborted,omitempty"` // cycle cancelled before this source settled
}

// Failed reports whether the source could not be checked. A source cut off
// by cancellation has not failed.
func (r SourceReport) Failed() bool { return r.Error != "" && !r.Aborted }

// CycleReport summarizes one check cycle.
type CycleReport struct {
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Sources        []SourceReport `json:"sources"`
	Dispatched     int            `json:"dispatched"`
	Failed         int            `json:"failed"`
	AggregateError bool           `json:"aggregate_error"`
	Aborted        bool           `json:"aborted,omitempty"`
}

// AllFailed reports whether every source failed.
func (r *CycleReport) AllFailed() bool {
	return r != nil && len(r.Sources) > 0 && r.Failed == len(r.Sources)
}

// SourceStatus is the persisted view of one source.
type SourceStatus struct {
	Name          string    `json:"name"`
	Label         string    `json:"label"`
	Kind          string    `json:"kind"`
	Target        string    `json:"target"`
	WebURL        string    `json:"web_url"`
	LastKnownID   string    `json:"last_known_id"`
	LastCheckTime time.Time `json:"last_check_time"`
}

// Status is a point-in-time snapshot for presentation surfaces.
type Status struct {
	Checking        bool           `json:"checking"`
	Running         bool           `json:"running"`
	Enabled         bool           `json:"enabled"`
	SoundEnabled    bool           `json:"sound_enabled"`
	IntervalMinutes int            `json:"interval_minutes"`
	NextRun         time.Time      `json:"next_run"`
	Sources         []SourceStatus `json:"sources"`
	LastCycle       *CycleReport   `json:"last_cycle,omitempty"`
}
