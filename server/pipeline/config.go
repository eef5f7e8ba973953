package pipeline

import (
	"time"

	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/cyclopcam/wardwatch/server/trackstate"
)

// Timeouts of the external collaborators
type Timeouts struct {
	Detect   time.Duration
	Pose     time.Duration
	Embed    time.Duration
	Store    time.Duration
	Snapshot time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Detect:   2 * time.Second,
		Pose:     time.Second,
		Embed:    1500 * time.Millisecond,
		Store:    time.Second,
		Snapshot: 2 * time.Second,
	}
}

// RecheckPolicy decides how often a person's authorization is re-evaluated.
// Authorized persons are rechecked too, so that a deleted staff member loses access.
type RecheckPolicy struct {
	Unknown      time.Duration
	Unauthorized time.Duration
	Authorized   time.Duration
}

func DefaultRecheckPolicy() RecheckPolicy {
	return RecheckPolicy{
		Unknown:      500 * time.Millisecond,
		Unauthorized: 2 * time.Second,
		Authorized:   6 * time.Second,
	}
}

// Due returns true if p must be checked in this frame
func (r RecheckPolicy) Due(p *trackstate.PersonState, now time.Time) bool {
	if p.LastAuthCheck.IsZero() {
		return true
	}
	interval := r.Unknown
	switch p.Auth {
	case trackstate.AuthAuthorized:
		interval = r.Authorized
	case trackstate.AuthUnauthorized:
		interval = r.Unauthorized
	}
	return now.Sub(p.LastAuthCheck) >= interval
}

type Config struct {
	FrameBudget          time.Duration // Target duration of one pass of the loop
	Concurrency          int           // Max simultaneous per-track model calls
	Recheck              RecheckPolicy
	UnauthorizedGrace    time.Duration // A person must have been visible this long before an unauthorized alert
	BehaviorInterval     time.Duration // Behavior analysis runs at most this often
	MaxSnapshotsPerTrack int
	MinCropSize          int // Persons smaller than this (in either dimension) are not identified
	Cooldowns            alerts.Windows
	Timeouts             Timeouts
}

func DefaultConfig() Config {
	return Config{
		FrameBudget:          33 * time.Millisecond,
		Concurrency:          4,
		Recheck:              DefaultRecheckPolicy(),
		UnauthorizedGrace:    500 * time.Millisecond,
		BehaviorInterval:     200 * time.Millisecond,
		MaxSnapshotsPerTrack: 3,
		MinCropSize:          50,
		Cooldowns:            alerts.DefaultWindows(),
		Timeouts:             DefaultTimeouts(),
	}
}
