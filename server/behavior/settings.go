package behavior

import "fmt"

// Settings are the tunable thresholds of the behavior rules.
// All of them can be changed at runtime via Engine.UpdateSettings.
// SYNC-BEHAVIOR-SETTINGS
type Settings struct {
	LoiteringEnabled  bool    `json:"loiteringEnabled"`
	LoiteringSeconds  float64 `json:"loiteringSeconds"`  // Observed span required before a stationary person is loitering
	StationaryPixels  float32 `json:"stationaryPixels"`  // Max path length over the stationary window
	StationarySamples int     `json:"stationarySamples"` // Number of recent samples in the stationary window

	RunningEnabled bool    `json:"runningEnabled"`
	RunningSpeed   float32 `json:"runningSpeed"`   // px/s
	RunningSamples int     `json:"runningSamples"` // Number of recent samples used to measure speed

	CrowdEnabled         bool    `json:"crowdEnabled"`
	CrowdThreshold       int     `json:"crowdThreshold"`       // Minimum number of people
	CrowdHighThreshold   int     `json:"crowdHighThreshold"`   // At or above this, severity is high instead of warning
	ClusterDistance      float32 `json:"clusterDistance"`      // Mean pairwise distance below which a crowd is clustered
	CrowdCooldownSeconds float64 `json:"crowdCooldownSeconds"` // Scene level cooldown

	FallEnabled bool    `json:"fallEnabled"`
	FallRatio   float32 `json:"fallRatio"` // Box height/width below this is a fall

	AggressionEnabled  bool    `json:"aggressionEnabled"`
	ArmSpeed           float32 `json:"armSpeed"`           // Wrist speed (px/s) that counts as a hit
	MinHits            int     `json:"minHits"`            // Consecutive hits before an aggression event
	CloseDistance      float32 `json:"closeDistance"`      // Neighbors within this distance may be fight participants
	NeighborSpeedRatio float32 `json:"neighborSpeedRatio"` // Neighbor wrist speed must be >= ArmSpeed * NeighborSpeedRatio
	MinDurationSeconds float64 `json:"minDurationSeconds"` // Minimum high-activity window for single person aggression
	PoseConfidence     float32 `json:"poseConfidence"`     // Mean landmark visibility required to trust a pose
	WristVisibility    float32 `json:"wristVisibility"`    // Minimum wrist landmark visibility

	HistorySeconds float64 `json:"historySeconds"` // Tracks not seen for this long are forgotten
}

func DefaultSettings() Settings {
	return Settings{
		LoiteringEnabled:  true,
		LoiteringSeconds:  300,
		StationaryPixels:  30,
		StationarySamples: 10,

		RunningEnabled: true,
		RunningSpeed:   200,
		RunningSamples: 5,

		CrowdEnabled:         true,
		CrowdThreshold:       3,
		CrowdHighThreshold:   5,
		ClusterDistance:      150,
		CrowdCooldownSeconds: 60,

		FallEnabled: true,
		FallRatio:   0.5,

		AggressionEnabled:  true,
		ArmSpeed:           110,
		MinHits:            15,
		CloseDistance:      150,
		NeighborSpeedRatio: 0.7,
		MinDurationSeconds: 0.5,
		PoseConfidence:     0.4,
		WristVisibility:    0.3,

		HistorySeconds: 30,
	}
}

func (s *Settings) Validate() error {
	if s.StationarySamples < 2 || s.StationarySamples > historySize {
		return fmt.Errorf("stationarySamples must be between 2 and %v", historySize)
	}
	if s.RunningSamples < 2 || s.RunningSamples > historySize {
		return fmt.Errorf("runningSamples must be between 2 and %v", historySize)
	}
	if s.CrowdThreshold < 1 {
		return fmt.Errorf("crowdThreshold must be at least 1")
	}
	if s.MinHits < 1 {
		return fmt.Errorf("minHits must be at least 1")
	}
	if s.LoiteringSeconds < 0 || s.CrowdCooldownSeconds < 0 || s.MinDurationSeconds < 0 || s.HistorySeconds <= 0 {
		return fmt.Errorf("durations may not be negative")
	}
	return nil
}
