package trackstate

import (
	"time"

	"github.com/cyclopcam/wardwatch/pkg/nn"
)

// AuthState is the authorization tri-state of a person
type AuthState string

const (
	AuthUnknown      AuthState = "scanning" // Not yet checked, or check not yet conclusive
	AuthAuthorized   AuthState = "authorized"
	AuthUnauthorized AuthState = "unauthorized"
)

// Verdict is what the authorization engine decided about a person.
// It mirrors authz.Decision, so that this package does not depend on authz.
type Verdict struct {
	Authorized        bool
	StaffID           string
	Name              string
	Role              string
	Department        string
	Confidence        float32
	Method            string
	ReturningStranger bool
}

// PersonState is the application state of a tracked person
type PersonState struct {
	TrackID   int64     `json:"trackID"`
	DisplayID string    `json:"displayID"`
	Box       nn.BBox   `json:"box"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`

	Auth          AuthState `json:"auth"`
	LastAuthCheck time.Time `json:"lastAuthCheck"` // Zero if never checked
	Confidence    float32   `json:"confidence"`
	Method        string    `json:"method"`
	StaffID       *string   `json:"staffID"`
	Name          *string   `json:"name"`
	Role          *string   `json:"role"`
	Department    *string   `json:"department"`

	Embedding         []float32 `json:"-"` // Most recent coarse embedding
	SnapshotCount     int       `json:"snapshotCount"`
	ReturningStranger bool      `json:"returningStranger"`
	StaffLogged       bool      `json:"-"` // True once the first authorized verdict has been written to the event log

	AggressionHits        int       `json:"-"`
	AggressionWindowStart time.Time `json:"-"`
	LastAggression        time.Time `json:"-"` // Used by the annotator to show an AGGRESSIVE label

	cooldowns map[string]time.Time
}

// VehicleState is the application state of a tracked vehicle
type VehicleState struct {
	TrackID   int64          `json:"trackID"`
	DisplayID string         `json:"displayID"`
	Type      nn.VehicleType `json:"type"`
	Box       nn.BBox        `json:"box"`
	Speed     float32        `json:"speed"` // Pixels per second, from center displacement between consecutive observations
	Zone      string         `json:"zone"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`

	SnapshotCount int `json:"snapshotCount"`

	cooldowns map[string]time.Time
}

// ApplyVerdict copies the result of an authorization check into the person's state
func (p *PersonState) ApplyVerdict(v Verdict, now time.Time) {
	p.LastAuthCheck = now
	p.Confidence = v.Confidence
	p.Method = v.Method
	p.ReturningStranger = v.ReturningStranger
	if v.Authorized {
		p.Auth = AuthAuthorized
		p.StaffID = strPtr(v.StaffID)
		p.Name = strPtr(v.Name)
		p.Role = strPtr(v.Role)
		p.Department = strPtr(v.Department)
	} else {
		// A revoked identity must not keep its name
		p.Auth = AuthUnauthorized
		p.StaffID = nil
		p.Name = nil
		p.Role = nil
		p.Department = nil
	}
}

// CooldownReady returns true if an event of the given kind may be emitted for this person
func (p *PersonState) CooldownReady(kind string, now time.Time, window time.Duration) bool {
	return cooldownReady(p.cooldowns, kind, now, window)
}

func (p *PersonState) MarkCooldown(kind string, now time.Time) {
	if p.cooldowns == nil {
		p.cooldowns = map[string]time.Time{}
	}
	p.cooldowns[kind] = now
}

func (v *VehicleState) CooldownReady(kind string, now time.Time, window time.Duration) bool {
	return cooldownReady(v.cooldowns, kind, now, window)
}

func (v *VehicleState) MarkCooldown(kind string, now time.Time) {
	if v.cooldowns == nil {
		v.cooldowns = map[string]time.Time{}
	}
	v.cooldowns[kind] = now
}

// Label returns the display name for annotation and alert text
func (p *PersonState) Label() string {
	if p.Auth == AuthAuthorized && p.Name != nil {
		return *p.Name
	}
	return p.DisplayID
}

func cooldownReady(m map[string]time.Time, kind string, now time.Time, window time.Duration) bool {
	last, ok := m[kind]
	if !ok {
		return true
	}
	return now.Sub(last) >= window
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
