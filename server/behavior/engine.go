// Package behavior detects loitering, running, crowding, falls and aggression from per-track motion and pose history.
package behavior

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/alerts"
)

// Observation is one tracked person in a frame.
// Pose landmarks must be in frame coordinates.
type Observation struct {
	TrackID int64
	Box     nn.BBox
	Pose    *nn.Pose // nil if no pose is available
}

// Event is the output of a behavior rule
type Event struct {
	Type         alerts.Type     `json:"type"`
	Severity     alerts.Severity `json:"severity"`
	TrackID      int64           `json:"trackID"` // 0 for scene level events
	Participants []int64         `json:"participants,omitempty"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Details      map[string]any  `json:"details,omitempty"`
}

// AggressionState is a read-only view of a track's aggression counter
type AggressionState struct {
	Hits        int
	WindowStart time.Time
}

// Engine keeps its own per-track history, independent of the tracker, so that it can be tested in isolation.
type Engine struct {
	lock           sync.Mutex
	settings       Settings
	tracks         map[int64]*trackHistory
	lastCrowdAlert time.Time
}

func NewEngine(settings Settings) *Engine {
	return &Engine{
		settings: settings,
		tracks:   map[int64]*trackHistory{},
	}
}

// Settings returns a copy of the current settings
func (e *Engine) Settings() Settings {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.settings
}

// UpdateSettings applies f to a copy of the settings, and commits the result if it is valid
func (e *Engine) UpdateSettings(f func(s *Settings)) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	s := e.settings
	f(&s)
	if err := s.Validate(); err != nil {
		return err
	}
	e.settings = s
	return nil
}

// PatchSettings applies a partial JSON Settings object. Fields that are absent keep their current value.
// Nothing changes if the JSON is invalid, or the result does not validate.
func (e *Engine) PatchSettings(patch []byte) (Settings, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	s := e.settings
	if err := json.Unmarshal(patch, &s); err != nil {
		return e.settings, fmt.Errorf("Invalid settings JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return e.settings, err
	}
	e.settings = s
	return s, nil
}

// Analyze updates the history of every observed track, and runs all enabled rules.
// Events are returned in a fixed order: per-track rules (in observation order), then crowd, then aggression.
func (e *Engine) Analyze(objs []Observation, frameW, frameH int, now time.Time) []Event {
	e.lock.Lock()
	defer e.lock.Unlock()
	s := &e.settings

	e.cleanup(now)

	active := make([]*trackHistory, 0, len(objs))
	for _, o := range objs {
		box := o.Box
		if frameW > 0 && frameH > 0 {
			box = box.Clip(frameW, frameH)
		}
		if !box.IsValid() {
			continue
		}
		h := e.tracks[o.TrackID]
		if h == nil {
			h = newTrackHistory(o.TrackID, now)
			e.tracks[o.TrackID] = h
		}
		h.update(box, o.Pose, now, s)
		active = append(active, h)
	}

	events := []Event{}
	for _, h := range active {
		if s.LoiteringEnabled {
			if ev, ok := loitering(h, s); ok {
				events = append(events, ev)
			}
		}
		if s.RunningEnabled {
			if ev, ok := running(h, s); ok {
				events = append(events, ev)
			}
		}
		if s.FallEnabled {
			if ev, ok := fall(h, s); ok {
				events = append(events, ev)
			}
		}
	}
	if s.CrowdEnabled {
		if ev, ok := e.crowd(active, now); ok {
			events = append(events, ev)
		}
	}
	if s.AggressionEnabled {
		events = append(events, aggression(active, s, now)...)
	}
	return events
}

// AggressionState returns the current aggression counter of a track
func (e *Engine) AggressionState(trackID int64) (AggressionState, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	h := e.tracks[trackID]
	if h == nil {
		return AggressionState{}, false
	}
	return AggressionState{Hits: h.hits, WindowStart: h.windowStart}, true
}

// Forget drops the history of a track
func (e *Engine) Forget(trackID int64) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.tracks, trackID)
}

// NumTracks returns the number of tracks with history
func (e *Engine) NumTracks() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.tracks)
}

// Reset drops all history, and the crowd cooldown
func (e *Engine) Reset() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.tracks = map[int64]*trackHistory{}
	e.lastCrowdAlert = time.Time{}
}

func (e *Engine) cleanup(now time.Time) {
	maxAge := time.Duration(e.settings.HistorySeconds * float64(time.Second))
	for id, h := range e.tracks {
		if now.Sub(h.lastSeen) > maxAge {
			delete(e.tracks, id)
		}
	}
}

func loitering(h *trackHistory, s *Settings) (Event, bool) {
	length, _, n := h.recent(s.StationarySamples)
	if n < s.StationarySamples || length >= s.StationaryPixels {
		return Event{}, false
	}
	// The whole span must really have been observed
	observed := h.lastSeen.Sub(h.firstSeen).Seconds()
	if observed < s.LoiteringSeconds {
		return Event{}, false
	}
	return Event{
		Type:        alerts.TypeLoitering,
		Severity:    alerts.SeverityWarning,
		TrackID:     h.id,
		Title:       "Suspicious Loitering Detected",
		Description: fmt.Sprintf("Individual has been stationary for %d minutes", int(observed/60)),
		Details:     map[string]any{"durationSeconds": observed},
	}, true
}

func running(h *trackHistory, s *Settings) (Event, bool) {
	length, span, n := h.recent(s.RunningSamples)
	if n < 2 || span <= 0 {
		return Event{}, false
	}
	speed := length / float32(span.Seconds())
	if speed <= s.RunningSpeed {
		return Event{}, false
	}
	return Event{
		Type:        alerts.TypeRunning,
		Severity:    alerts.SeverityWarning,
		TrackID:     h.id,
		Title:       "Running Detected in Corridor",
		Description: fmt.Sprintf("Fast movement detected (%d px/s)", int(speed)),
		Details:     map[string]any{"speed": speed},
	}, true
}

func fall(h *trackHistory, s *Settings) (Event, bool) {
	ratio := h.box.AspectRatio()
	if ratio <= 0 || ratio >= s.FallRatio {
		return Event{}, false
	}
	return Event{
		Type:        alerts.TypeFall,
		Severity:    alerts.SeverityCritical,
		TrackID:     h.id,
		Title:       "Person Fall Detected",
		Description: "Person may have fallen. Immediate attention required.",
		Details:     map[string]any{"aspectRatio": ratio},
	}, true
}

func (e *Engine) crowd(active []*trackHistory, now time.Time) (Event, bool) {
	s := &e.settings
	count := len(active)
	if count < s.CrowdThreshold {
		return Event{}, false
	}
	cooldown := time.Duration(s.CrowdCooldownSeconds * float64(time.Second))
	if !e.lastCrowdAlert.IsZero() && now.Sub(e.lastCrowdAlert) < cooldown {
		return Event{}, false
	}
	e.lastCrowdAlert = now

	clustered := false
	if count >= 2 {
		sum := float32(0)
		pairs := 0
		for i := 0; i < count; i++ {
			for j := i + 1; j < count; j++ {
				sum += active[i].center().Distance(active[j].center())
				pairs++
			}
		}
		clustered = sum/float32(pairs) < s.ClusterDistance
	}

	severity := alerts.SeverityWarning
	if count >= s.CrowdHighThreshold {
		severity = alerts.SeverityHigh
	}
	title := "High Foot Traffic Alert"
	if clustered {
		title = "Crowd Gathering Detected"
	}
	participants := make([]int64, 0, count)
	for _, h := range active {
		participants = append(participants, h.id)
	}
	return Event{
		Type:         alerts.TypeCrowd,
		Severity:     severity,
		Participants: participants,
		Title:        title,
		Description:  fmt.Sprintf("%d people detected in camera frame", count),
		Details:      map[string]any{"clustered": clustered, "count": count},
	}, true
}

// aggression updates the hit counter of every track with a reliable pose,
// and emits an event for every track whose counter has reached MinHits.
func aggression(active []*trackHistory, s *Settings, now time.Time) []Event {
	events := []Event{}
	for _, h := range active {
		if !h.poseReliable {
			continue
		}
		speed := h.wristSpeed()
		if speed < s.ArmSpeed {
			h.resetAggression()
			continue
		}
		h.hits++
		if h.windowStart.IsZero() {
			h.windowStart = now
		}
		if h.hits < s.MinHits {
			continue
		}

		participants := []int64{h.id}
		for _, other := range active {
			// Wrist samples of a neighbor without a trusted pose may be stale or noise
			if other == h || !other.poseReliable {
				continue
			}
			if h.center().Distance(other.center()) < s.CloseDistance && other.wristSpeed() >= s.ArmSpeed*s.NeighborSpeedRatio {
				participants = append(participants, other.id)
			}
		}

		if len(participants) > 1 {
			events = append(events, Event{
				Type:         alerts.TypeFight,
				Severity:     alerts.SeverityCritical,
				TrackID:      h.id,
				Participants: participants,
				Title:        "Fight Detected",
				Description:  fmt.Sprintf("Physical altercation involving %d people detected", len(participants)),
				Details:      map[string]any{"peopleInvolved": len(participants), "wristSpeed": speed},
			})
			h.resetAggression()
		} else if now.Sub(h.windowStart).Seconds() >= s.MinDurationSeconds {
			events = append(events, Event{
				Type:         alerts.TypeAggression,
				Severity:     alerts.SeverityHigh,
				TrackID:      h.id,
				Participants: participants,
				Title:        "Aggressive Behavior Detected",
				Description:  fmt.Sprintf("Aggressive arm movement detected (%d px/s)", int(speed)),
				Details:      map[string]any{"wristSpeed": speed},
			})
			h.resetAggression()
		}
	}
	return events
}
