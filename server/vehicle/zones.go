package vehicle

import (
	"github.com/cyclopcam/wardwatch/pkg/nn"
)

const (
	ZoneCorridor  = "corridor"
	ZoneWard      = "ward"
	ZoneParking   = "parking"
	ZoneEmergency = "emergency"
)

// Zones in which vehicles are not allowed
var restrictedZones = map[string]bool{
	ZoneCorridor: true,
	ZoneWard:     true,
}

// DefaultZones are laid out for a 1280x720 camera looking down a corridor,
// with the parking and emergency bays in the bottom half.
func DefaultZones() []nn.Zone {
	return []nn.Zone{
		{Name: ZoneCorridor, Polygon: nn.RectPolygon(0, 0, 1280, 400)},
		{Name: ZoneParking, Polygon: nn.RectPolygon(0, 400, 640, 720)},
		{Name: ZoneEmergency, Polygon: nn.RectPolygon(640, 400, 1280, 720)},
	}
}

// InferZone returns the zone of a point.
// Configured polygons are tried first, in order. If none contains the point,
// a coarse positional heuristic is used: top half is the corridor, and the
// bottom half is split into parking (left) and emergency (right).
func InferZone(zones []nn.Zone, p nn.Point, frameW, frameH int) string {
	if name, ok := nn.FindZone(zones, p); ok {
		return name
	}
	if p.Y < float32(frameH)/2 {
		return ZoneCorridor
	} else if p.X < float32(frameW)/2 {
		return ZoneParking
	}
	return ZoneEmergency
}
