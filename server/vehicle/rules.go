// Package vehicle applies zone rules to tracked vehicles
package vehicle

import (
	"fmt"
	"strings"

	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/alerts"
)

// Observation is one tracked vehicle in a frame
type Observation struct {
	TrackID    int64
	Class      int
	Confidence float32
	Box        nn.BBox
	Speed      float32 // px/s, from the centroid displacement between consecutive observations
}

// Event is the output of a vehicle rule
type Event struct {
	Type        alerts.Type     `json:"type"`
	Severity    alerts.Severity `json:"severity"`
	TrackID     int64           `json:"trackID"`
	Zone        string          `json:"zone"`
	VehicleType nn.VehicleType  `json:"vehicleType"`
	Speed       float32         `json:"speed"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
}

type Config struct {
	MinConfidence float32 `json:"minConfidence"` // Weaker detections are ignored
	MaxSpeed      float32 `json:"maxSpeed"`      // px/s allowed in the corridor
}

func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.5,
		MaxSpeed:      120,
	}
}

// Engine is stateless. It only holds configuration.
type Engine struct {
	Zones  []nn.Zone
	Config Config
}

func NewEngine(zones []nn.Zone, cfg Config) *Engine {
	return &Engine{
		Zones:  zones,
		Config: cfg,
	}
}

// Zone returns the zone in which the center of the box lies
func (e *Engine) Zone(box nn.BBox, frameW, frameH int) string {
	return InferZone(e.Zones, box.Center(), frameW, frameH)
}

// Evaluate applies all rules to a single vehicle. The rules are independent, and any number of
// them may fire. If none fire, a single informational VEHICLE_DETECTED event is returned.
// Unknown classes and weak detections produce no events.
func (e *Engine) Evaluate(v Observation, frameW, frameH int) []Event {
	vtype, ok := nn.VehicleTypeOf(v.Class)
	if !ok || v.Confidence < e.Config.MinConfidence || !v.Box.IsValid() {
		return nil
	}
	zone := e.Zone(v.Box, frameW, frameH)
	name := titleCase(string(vtype))

	events := []Event{}
	add := func(t alerts.Type, severity alerts.Severity, title, description string) {
		events = append(events, Event{
			Type:        t,
			Severity:    severity,
			TrackID:     v.TrackID,
			Zone:        zone,
			VehicleType: vtype,
			Speed:       v.Speed,
			Title:       title,
			Description: description,
		})
	}

	if restrictedZones[zone] && !(vtype == nn.VehicleAmbulance && zone == ZoneEmergency) {
		add(alerts.TypeVehicleRestricted, alerts.SeverityWarning, "Vehicle in Restricted Area", fmt.Sprintf("%v detected in %v", name, zone))
	}
	if vtype.IsHeavy() && zone == ZoneCorridor {
		add(alerts.TypeHeavyVehicle, alerts.SeverityCritical, "Heavy Vehicle Detected", fmt.Sprintf("%v not allowed in corridor", name))
	}
	if vtype == nn.VehicleCar && zone == ZoneCorridor {
		add(alerts.TypeUnauthorizedParking, alerts.SeverityWarning, "Unauthorized Parking", "Car parked inside hospital corridor")
	}
	if v.Speed > e.Config.MaxSpeed && zone == ZoneCorridor {
		add(alerts.TypeOverSpeed, alerts.SeverityCritical, "Overspeed Vehicle", fmt.Sprintf("%v moving too fast (%.0f px/s)", name, v.Speed))
	}
	if len(events) == 0 {
		add(alerts.TypeVehicleDetected, alerts.SeverityInfo, "Vehicle Detected", fmt.Sprintf("%v detected in %v", name, zone))
	}
	return events
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
