package behavior

import (
	"testing"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/alerts"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return t0.Add(time.Duration(seconds * float64(time.Second)))
}

func standing(x float32) nn.BBox {
	return nn.MakeBBox(x, 100, x+40, 220)
}

// pose with all landmarks highly visible, and the left wrist at (wx,wy)
func poseWithWrist(wx, wy float32) *nn.Pose {
	p := &nn.Pose{Landmarks: make([]nn.Landmark, 33)}
	for i := range p.Landmarks {
		p.Landmarks[i] = nn.Landmark{X: 120, Y: 150, Visibility: 0.9}
	}
	p.Landmarks[nn.LandmarkLeftWrist] = nn.Landmark{X: wx, Y: wy, Visibility: 0.9}
	p.Landmarks[nn.LandmarkRightWrist] = nn.Landmark{X: 120, Y: 150, Visibility: 0.1}
	return p
}

func ofType(events []Event, t alerts.Type) []Event {
	out := []Event{}
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestLoiteringNeedsObservedSpan(t *testing.T) {
	e := NewEngine(DefaultSettings())
	obs := []Observation{{TrackID: 1, Box: standing(100)}}
	// Perfectly still, sampled every 10 seconds
	for s := 0.0; s <= 200; s += 10 {
		require.Empty(t, ofType(e.Analyze(obs, 1280, 720, at(s)), alerts.TypeLoitering), "%v", s)
	}
	for s := 210.0; s < 300; s += 10 {
		require.Empty(t, ofType(e.Analyze(obs, 1280, 720, at(s)), alerts.TypeLoitering), "%v", s)
	}
	ev := ofType(e.Analyze(obs, 1280, 720, at(300)), alerts.TypeLoitering)
	require.Len(t, ev, 1)
	require.Equal(t, int64(1), ev[0].TrackID)
	require.Equal(t, alerts.SeverityWarning, ev[0].Severity)
}

func TestLoiteringRequiresStillness(t *testing.T) {
	e := NewEngine(DefaultSettings())
	for s := 0.0; s <= 400; s += 10 {
		// Pacing back and forth by 20 pixels
		x := float32(100)
		if int(s/10)%2 == 1 {
			x = 120
		}
		ev := e.Analyze([]Observation{{TrackID: 1, Box: standing(x)}}, 1280, 720, at(s))
		require.Empty(t, ofType(ev, alerts.TypeLoitering))
	}
}

func TestRunning(t *testing.T) {
	e := NewEngine(DefaultSettings())
	var events []Event
	for i := 0; i < 5; i++ {
		// 30px every 0.1s = 300 px/s
		box := standing(100 + float32(i)*30)
		events = e.Analyze([]Observation{{TrackID: 7, Box: box}}, 1280, 720, at(float64(i)*0.1))
	}
	run := ofType(events, alerts.TypeRunning)
	require.Len(t, run, 1)
	require.Equal(t, int64(7), run[0].TrackID)

	// Walking pace: 10px every 0.1s = 100 px/s
	e = NewEngine(DefaultSettings())
	for i := 0; i < 5; i++ {
		events = e.Analyze([]Observation{{TrackID: 7, Box: standing(100 + float32(i)*10)}}, 1280, 720, at(float64(i)*0.1))
		require.Empty(t, ofType(events, alerts.TypeRunning))
	}
}

func TestFall(t *testing.T) {
	e := NewEngine(DefaultSettings())
	events := e.Analyze([]Observation{
		{TrackID: 1, Box: nn.MakeBBox(0, 300, 200, 380)}, // lying down
		{TrackID: 2, Box: standing(500)},
	}, 1280, 720, t0)
	falls := ofType(events, alerts.TypeFall)
	require.Len(t, falls, 1)
	require.Equal(t, int64(1), falls[0].TrackID)
	require.Equal(t, alerts.SeverityCritical, falls[0].Severity)
}

func TestCrowdScenario(t *testing.T) {
	e := NewEngine(DefaultSettings())
	obs := []Observation{
		{TrackID: 1, Box: standing(100)},
		{TrackID: 2, Box: standing(130)},
		{TrackID: 3, Box: standing(160)},
	}
	crowd := ofType(e.Analyze(obs, 1280, 720, t0), alerts.TypeCrowd)
	require.Len(t, crowd, 1)
	require.Equal(t, true, crowd[0].Details["clustered"])
	require.Equal(t, 3, crowd[0].Details["count"])
	require.Equal(t, "Crowd Gathering Detected", crowd[0].Title)
	require.Equal(t, alerts.SeverityWarning, crowd[0].Severity)
	require.Equal(t, int64(0), crowd[0].TrackID)

	// Identical frame inside the cooldown
	require.Empty(t, ofType(e.Analyze(obs, 1280, 720, at(10)), alerts.TypeCrowd))
	require.Empty(t, ofType(e.Analyze(obs, 1280, 720, at(59.9)), alerts.TypeCrowd))
	require.Len(t, ofType(e.Analyze(obs, 1280, 720, at(60)), alerts.TypeCrowd), 1)
}

func TestCrowdDiffuse(t *testing.T) {
	e := NewEngine(DefaultSettings())
	obs := []Observation{}
	for i := 0; i < 5; i++ {
		obs = append(obs, Observation{TrackID: int64(i + 1), Box: standing(float32(i) * 250)})
	}
	crowd := ofType(e.Analyze(obs, 1280, 720, t0), alerts.TypeCrowd)
	require.Len(t, crowd, 1)
	require.Equal(t, false, crowd[0].Details["clustered"])
	require.Equal(t, "High Foot Traffic Alert", crowd[0].Title)
	require.Equal(t, alerts.SeverityHigh, crowd[0].Severity)
}

func TestAggressionFifteenthHit(t *testing.T) {
	e := NewEngine(DefaultSettings())
	emittedAt := -1
	for i := 0; i < 20; i++ {
		// Wrist swings 20px every 0.1s = 200 px/s. The first frame has no speed.
		wx := float32(100)
		if i%2 == 1 {
			wx = 120
		}
		obs := []Observation{{TrackID: 1, Box: standing(100), Pose: poseWithWrist(wx, 150)}}
		events := ofType(e.Analyze(obs, 1280, 720, at(float64(i)*0.1)), alerts.TypeAggression)
		if len(events) != 0 && emittedAt == -1 {
			emittedAt = i
			require.Equal(t, alerts.SeverityHigh, events[0].Severity)
		}
		if i < 15 {
			require.Empty(t, events, "frame %v", i)
		}
	}
	// Frame 0 primes the wrist history, so frame 15 is the 15th hit
	require.Equal(t, 15, emittedAt)
	// The counter was reset on emission, and has since counted frames 16..19
	st, ok := e.AggressionState(1)
	require.True(t, ok)
	require.Equal(t, 4, st.Hits)
}

func TestAggressionResetsOnSlowFrame(t *testing.T) {
	e := NewEngine(DefaultSettings())
	wx := float32(100)
	for i := 0; i < 11; i++ {
		wx += 20
		e.Analyze([]Observation{{TrackID: 1, Box: standing(100), Pose: poseWithWrist(wx, 150)}}, 1280, 720, at(float64(i)*0.1))
	}
	st, _ := e.AggressionState(1)
	require.Equal(t, 10, st.Hits)
	require.False(t, st.WindowStart.IsZero())

	// Wrist stays still
	e.Analyze([]Observation{{TrackID: 1, Box: standing(100), Pose: poseWithWrist(wx, 150)}}, 1280, 720, at(1.1))
	st, _ = e.AggressionState(1)
	require.Equal(t, 0, st.Hits)
	require.True(t, st.WindowStart.IsZero())
}

func TestAggressionIgnoresUnreliablePose(t *testing.T) {
	e := NewEngine(DefaultSettings())
	wx := float32(100)
	for i := 0; i < 30; i++ {
		wx += 20
		p := poseWithWrist(wx, 150)
		for j := range p.Landmarks {
			if j != nn.LandmarkLeftWrist {
				p.Landmarks[j].Visibility = 0.2
			}
		}
		events := e.Analyze([]Observation{{TrackID: 1, Box: standing(100), Pose: p}}, 1280, 720, at(float64(i)*0.1))
		require.Empty(t, ofType(events, alerts.TypeAggression))
	}
}

func TestFight(t *testing.T) {
	e := NewEngine(DefaultSettings())
	var fights []Event
	for i := 0; i < 16; i++ {
		wx := float32(100)
		if i%2 == 1 {
			wx = 130
		}
		obs := []Observation{
			{TrackID: 1, Box: standing(100), Pose: poseWithWrist(wx, 150)},
			{TrackID: 2, Box: standing(180), Pose: poseWithWrist(wx+80, 150)},
		}
		fights = append(fights, ofType(e.Analyze(obs, 1280, 720, at(float64(i)*0.1)), alerts.TypeFight)...)
	}
	require.NotEmpty(t, fights)
	require.Equal(t, alerts.SeverityCritical, fights[0].Severity)
	require.ElementsMatch(t, []int64{1, 2}, fights[0].Participants)
}

// A neighbor only counts towards a fight if its own pose is trusted
func TestFightNeedsReliableNeighborPose(t *testing.T) {
	for _, hidden := range []bool{false, true} {
		e := NewEngine(DefaultSettings())
		var fights, aggressive []Event
		for i := 0; i < 20; i++ {
			wx := float32(100)
			if i%2 == 1 {
				wx = 130
			}
			// The neighbor's wrist is visible and moving fast, but the rest of its body is not
			neighbor := poseWithWrist(wx+80, 150)
			for j := range neighbor.Landmarks {
				if j != nn.LandmarkLeftWrist {
					neighbor.Landmarks[j].Visibility = 0.2
				}
			}
			if hidden && i >= 10 {
				neighbor = nil
			}
			obs := []Observation{
				{TrackID: 1, Box: standing(100), Pose: poseWithWrist(wx, 150)},
				{TrackID: 2, Box: standing(180), Pose: neighbor},
			}
			events := e.Analyze(obs, 1280, 720, at(float64(i)*0.1))
			fights = append(fights, ofType(events, alerts.TypeFight)...)
			aggressive = append(aggressive, ofType(events, alerts.TypeAggression)...)
		}
		require.Empty(t, fights, "hidden %v", hidden)
		require.NotEmpty(t, aggressive, "hidden %v", hidden)
		require.Equal(t, []int64{1}, aggressive[0].Participants)
	}
}

func TestDisabledRules(t *testing.T) {
	s := DefaultSettings()
	s.FallEnabled = false
	s.CrowdEnabled = false
	e := NewEngine(s)
	events := e.Analyze([]Observation{
		{TrackID: 1, Box: nn.MakeBBox(0, 300, 200, 380)},
		{TrackID: 2, Box: standing(300)},
		{TrackID: 3, Box: standing(340)},
	}, 1280, 720, t0)
	require.Empty(t, events)
}

func TestUpdateSettings(t *testing.T) {
	e := NewEngine(DefaultSettings())
	require.NoError(t, e.UpdateSettings(func(s *Settings) { s.CrowdThreshold = 2 }))
	require.Equal(t, 2, e.Settings().CrowdThreshold)

	require.Error(t, e.UpdateSettings(func(s *Settings) { s.RunningSamples = 1000 }))
	require.Equal(t, 5, e.Settings().RunningSamples)

	events := e.Analyze([]Observation{
		{TrackID: 1, Box: standing(100)},
		{TrackID: 2, Box: standing(150)},
	}, 1280, 720, t0)
	require.Len(t, ofType(events, alerts.TypeCrowd), 1)
}

func TestPatchSettings(t *testing.T) {
	e := NewEngine(DefaultSettings())
	s, err := e.PatchSettings([]byte(`{"crowdThreshold": 4, "fallEnabled": false}`))
	require.NoError(t, err)
	require.Equal(t, 4, s.CrowdThreshold)
	require.False(t, s.FallEnabled)
	require.True(t, s.RunningEnabled)

	_, err = e.PatchSettings([]byte(`{"crowdThreshold": "many"}`))
	require.Error(t, err)
	_, err = e.PatchSettings([]byte(`{"crowdThreshold": 10, "runningSamples": 1000}`))
	require.Error(t, err)
	require.Equal(t, 4, e.Settings().CrowdThreshold)
}

func TestLoiteringWithFullHistoryWindow(t *testing.T) {
	s := DefaultSettings()
	s.StationarySamples = historySize
	require.NoError(t, s.Validate())
	s.StationarySamples = historySize + 1
	require.Error(t, s.Validate())

	s.StationarySamples = historySize
	e := NewEngine(s)
	obs := []Observation{{TrackID: 1, Box: standing(100)}}
	fired := false
	for sec := 0.0; sec <= 400; sec += 10 {
		if len(ofType(e.Analyze(obs, 1280, 720, at(sec)), alerts.TypeLoitering)) != 0 {
			fired = true
			require.GreaterOrEqual(t, sec, 300.0)
		}
	}
	require.True(t, fired)
}

func TestHistoryCleanup(t *testing.T) {
	e := NewEngine(DefaultSettings())
	e.Analyze([]Observation{{TrackID: 1, Box: standing(100)}}, 1280, 720, t0)
	e.Analyze([]Observation{{TrackID: 2, Box: standing(400)}}, 1280, 720, at(20))
	require.Equal(t, 2, e.NumTracks())
	e.Analyze(nil, 1280, 720, at(31))
	require.Equal(t, 1, e.NumTracks())
	e.Forget(2)
	require.Equal(t, 0, e.NumTracks())
}
