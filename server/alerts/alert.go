package alerts

import (
	"github.com/cyclopcam/dbh"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, with info = 0
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Type is the tag of an alert or event log record
type Type string

const (
	TypeUnauthorizedPerson  Type = "UNAUTHORIZED_PERSON"
	TypeStaffAuthorized     Type = "STAFF_AUTHORIZED"   // Event log only
	TypeReturningStranger   Type = "RETURNING_STRANGER" // Event log only
	TypeLoitering           Type = "LOITERING"
	TypeRunning             Type = "RUNNING_DETECTED"
	TypeCrowd               Type = "CROWD_GATHERING"
	TypeFall                Type = "FALL_DETECTED"
	TypeFight               Type = "FIGHT_DETECTED"
	TypeAggression          Type = "AGGRESSIVE_BEHAVIOR"
	TypeVehicleRestricted   Type = "VEHICLE_RESTRICTED_AREA"
	TypeHeavyVehicle        Type = "HEAVY_VEHICLE_CORRIDOR"
	TypeUnauthorizedParking Type = "UNAUTHORIZED_PARKING"
	TypeOverSpeed           Type = "OVER_SPEED_VEHICLE"
	TypeVehicleDetected     Type = "VEHICLE_DETECTED"
)

// SubjectGlobal is the subject of scene level alerts, which are not tied to a track
const SubjectGlobal = "global"

// Alert is immutable once it has been added to the Manager, except for Acknowledged.
// SYNC-ALERT-JSON
type Alert struct {
	ID           string                        `gorm:"primaryKey" json:"id"`
	Type         Type                          `json:"type"`
	Severity     Severity                      `json:"severity"`
	Title        string                        `json:"title"`
	Description  string                        `json:"description"`
	Subject      string                        `json:"subject"` // Track display ID, or SubjectGlobal
	Time         dbh.IntTime                   `json:"time"`
	Snapshot     string                        `json:"snapshot,omitempty"` // Name of the snapshot in snapshot storage
	Zone         string                        `json:"zone,omitempty"`
	VehicleType  string                        `json:"vehicleType,omitempty"`
	Participants dbh.JSONField[[]string]       `json:"participants"`
	Details      dbh.JSONField[map[string]any] `json:"details"`
	Acknowledged bool                          `json:"acknowledged"`
}
