package tracker

import (
	"testing"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/idgen"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/stretchr/testify/require"
)

func person(x1, y1, x2, y2 float32) nn.Detection {
	return nn.Detection{
		Class:      nn.COCOPerson,
		Confidence: 0.9,
		Box:        nn.MakeBBox(x1, y1, x2, y2),
	}
}

func at(base time.Time, seconds float64) time.Time {
	return base.Add(time.Duration(seconds * float64(time.Second)))
}

func TestShiftedBoxKeepsTrack(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)

	r := tr.Update([]nn.Detection{person(100, 100, 140, 220)}, base)
	require.Len(t, r, 1)
	require.Equal(t, 1, tr.Len())
	id := r[0].TrackID
	require.Equal(t, 1, tr.Get(id).HistoryLen())

	r = tr.Update([]nn.Detection{person(105, 105, 145, 225)}, at(base, 0.1))
	require.Len(t, r, 1)
	require.Equal(t, id, r[0].TrackID)
	require.Equal(t, 1, tr.Len())
	track := tr.Get(id)
	require.Equal(t, 2, track.HistoryLen())
	h := track.History()
	require.Equal(t, nn.Point{X: 120, Y: 160}, h[0].Center)
	require.Equal(t, nn.Point{X: 125, Y: 165}, h[1].Center)
	require.Equal(t, at(base, 0.1), track.LastSeen)
	require.Equal(t, base, track.CreatedAt)
}

func TestStableIdentityWhileWalking(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	var id int64
	for i := 0; i < 100; i++ {
		x := float32(i * 8)
		r := tr.Update([]nn.Detection{person(x, 100, x+40, 220)}, at(base, float64(i)*0.1))
		require.Len(t, r, 1)
		if i == 0 {
			id = r[0].TrackID
		}
		require.Equal(t, id, r[0].TrackID, "frame %v", i)
	}
	require.Equal(t, 1, tr.Len())
	// History is bounded
	require.Equal(t, PersonConfig().HistorySize, tr.Get(id).HistoryLen())
	h := tr.Get(id).History()
	require.Equal(t, float32(99*8+20), h[len(h)-1].Center.X)
}

func TestExpiredTrackIsNotResurrected(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	r := tr.Update([]nn.Detection{person(100, 100, 140, 220)}, base)
	first := r[0].TrackID

	// Still within MaxAge: same identity
	r = tr.Update([]nn.Detection{person(100, 100, 140, 220)}, at(base, 29))
	require.Equal(t, first, r[0].TrackID)

	// Absent for longer than MaxAge: new identity, even at the exact same location
	r = tr.Update([]nn.Detection{person(100, 100, 140, 220)}, at(base, 60))
	require.NotEqual(t, first, r[0].TrackID)
	require.Greater(t, r[0].TrackID, first)
	require.Nil(t, tr.Get(first))
	require.Equal(t, 1, tr.Len())
}

func TestUnmatchedTracksAreKeptUntilMaxAge(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	tr.Update([]nn.Detection{person(100, 100, 140, 220)}, base)
	tr.Update(nil, at(base, 10))
	require.Equal(t, 1, tr.Len())
	tr.Update(nil, at(base, 30))
	require.Equal(t, 1, tr.Len())
	tr.Update(nil, at(base, 30.5))
	require.Equal(t, 0, tr.Len())
}

func TestIOUPreferredOverCloserCentroid(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	r := tr.Update([]nn.Detection{person(100, 100, 200, 300)}, base)
	id := r[0].TrackID

	// Detection 0: a small box whose center is exactly on the track's center, but with low IoU.
	// Detection 1: a box with high IoU, but whose center is further away.
	r = tr.Update([]nn.Detection{
		person(145, 195, 155, 205),
		person(110, 110, 210, 310),
	}, at(base, 0.1))
	require.Len(t, r, 2)
	require.Equal(t, id, r[1].TrackID)
	require.NotEqual(t, id, r[0].TrackID)
}

func TestCentroidFallback(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	r := tr.Update([]nn.Detection{person(100, 100, 140, 220)}, base)
	id := r[0].TrackID

	// Moved 100px to the right. No overlap, but within 150px.
	r = tr.Update([]nn.Detection{person(200, 100, 240, 220)}, at(base, 0.5))
	require.Equal(t, id, r[0].TrackID)

	// Moved 200px further. Too far for the fallback.
	r = tr.Update([]nn.Detection{person(400, 100, 440, 220)}, at(base, 1))
	require.NotEqual(t, id, r[0].TrackID)
	require.Equal(t, 2, tr.Len())
}

func TestVehicleFallbackDistance(t *testing.T) {
	base := time.Now()
	tr := NewTracker(VehicleConfig(), nil)
	car := nn.Detection{Class: nn.COCOCar, Confidence: 0.9, Box: nn.MakeBBox(0, 0, 100, 50)}
	r := tr.Update([]nn.Detection{car}, base)
	id := r[0].TrackID
	car.Box.Offset(180, 0)
	r = tr.Update([]nn.Detection{car}, at(base, 1))
	require.Equal(t, id, r[0].TrackID)
}

func TestNoDoubleAssignment(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	r := tr.Update([]nn.Detection{person(100, 100, 140, 220)}, base)
	id := r[0].TrackID

	// Two identical detections: only one of them can take the existing track
	r = tr.Update([]nn.Detection{
		person(101, 101, 141, 221),
		person(101, 101, 141, 221),
	}, at(base, 0.1))
	require.Len(t, r, 2)
	require.Equal(t, id, r[0].TrackID, "lowest detection index wins a tie")
	require.NotEqual(t, r[0].TrackID, r[1].TrackID)
	require.Equal(t, 2, tr.Len())
}

func TestEachDetectionTakesAtMostOneTrack(t *testing.T) {
	base := time.Now()
	tr := NewTracker(PersonConfig(), nil)
	r := tr.Update([]nn.Detection{
		person(100, 100, 140, 220),
		person(102, 102, 142, 222),
	}, base)
	require.NotEqual(t, r[0].TrackID, r[1].TrackID)

	// Only one detection now. One track matches, the other is left untouched.
	r = tr.Update([]nn.Detection{person(101, 101, 141, 221)}, at(base, 0.1))
	require.Len(t, r, 1)
	require.Equal(t, 2, tr.Len())
}

func TestDegenerateBoxesAreDropped(t *testing.T) {
	tr := NewTracker(PersonConfig(), nil)
	r := tr.Update([]nn.Detection{
		person(100, 100, 100, 220),
		person(100, 220, 140, 100),
		person(10, 10, 50, 130),
	}, time.Now())
	require.Len(t, r, 1)
	require.Equal(t, float32(10), r[0].Box.X1)
	require.Equal(t, 1, tr.Len())
}

func TestSharedIDsNeverCollide(t *testing.T) {
	ids := &idgen.Int64{}
	persons := NewTracker(PersonConfig(), ids)
	vehicles := NewTracker(VehicleConfig(), ids)
	now := time.Now()
	p := persons.Update([]nn.Detection{person(0, 0, 10, 10)}, now)
	v := vehicles.Update([]nn.Detection{{Class: nn.COCOCar, Box: nn.MakeBBox(0, 0, 10, 10)}}, now)
	require.NotEqual(t, p[0].TrackID, v[0].TrackID)
}

func TestResetNeverReusesIDs(t *testing.T) {
	tr := NewTracker(PersonConfig(), nil)
	now := time.Now()
	r := tr.Update([]nn.Detection{person(0, 0, 10, 10)}, now)
	first := r[0].TrackID
	tr.Reset()
	require.Equal(t, 0, tr.Len())
	r = tr.Update([]nn.Detection{person(0, 0, 10, 10)}, now)
	require.Greater(t, r[0].TrackID, first)
}

func TestHistoryHoldsConfiguredSamples(t *testing.T) {
	base := time.Now()
	for _, size := range []int{1, 31, 32, 33} {
		cfg := PersonConfig()
		cfg.HistorySize = size
		tr := NewTracker(cfg, nil)
		var id int64
		for i := 0; i < 100; i++ {
			r := tr.Update([]nn.Detection{person(100, 100, 140, 220)}, at(base, float64(i)*0.1))
			id = r[0].TrackID
		}
		require.Equal(t, size, tr.Get(id).HistoryLen(), "size %v", size)
	}
}
