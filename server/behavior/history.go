package behavior

import (
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/wardwatch/pkg/nn"
)

// Number of position samples kept per track.
// This is the upper limit of StationarySamples and RunningSamples.
const historySize = 32

// Wrist speed is divided by at least this many seconds
const minWristDt = 0.01

type positionSample struct {
	time   time.Time
	center nn.Point
}

// wristTrack holds the two most recent visible samples of one wrist.
// A wrist that is hidden for a few frames keeps its old samples.
type wristTrack struct {
	n    int
	prev positionSample
	last positionSample
}

func (w *wristTrack) add(s positionSample) {
	w.prev = w.last
	w.last = s
	if w.n < 2 {
		w.n++
	}
}

// speed in pixels per second
func (w *wristTrack) speed() float32 {
	if w.n < 2 {
		return 0
	}
	dt := max(w.last.time.Sub(w.prev.time).Seconds(), minWristDt)
	return w.last.center.Distance(w.prev.center) / float32(dt)
}

// Per-track history, owned by the Engine
type trackHistory struct {
	id        int64
	firstSeen time.Time
	lastSeen  time.Time
	box       nn.BBox
	positions ringbuffer.RingP[positionSample]

	left         wristTrack
	right        wristTrack
	poseReliable bool // The most recent pose passed the visibility gate

	hits        int       // Consecutive frames with wrist speed over the threshold
	windowStart time.Time // Time of the first of those frames
}

func newTrackHistory(id int64, now time.Time) *trackHistory {
	return &trackHistory{
		id:        id,
		firstSeen: now,
		positions: ringbuffer.NewRingP[positionSample](historySize * 2), // A RingP of size 2N holds 2N-1 items
	}
}

func (h *trackHistory) update(box nn.BBox, pose *nn.Pose, now time.Time, s *Settings) {
	h.box = box
	h.lastSeen = now
	h.positions.Add(positionSample{time: now, center: box.Center()})
	if h.positions.Len() > historySize {
		h.positions.Next()
	}

	h.poseReliable = pose != nil && pose.MeanVisibility() > s.PoseConfidence
	if l, ok := pose.Landmark(nn.LandmarkLeftWrist, s.WristVisibility); ok {
		h.left.add(positionSample{time: now, center: nn.Point{X: l.X, Y: l.Y}})
	}
	if r, ok := pose.Landmark(nn.LandmarkRightWrist, s.WristVisibility); ok {
		h.right.add(positionSample{time: now, center: nn.Point{X: r.X, Y: r.Y}})
	}
}

func (h *trackHistory) center() nn.Point {
	return h.box.Center()
}

func (h *trackHistory) wristSpeed() float32 {
	return max(h.left.speed(), h.right.speed())
}

// recent returns the path length and time span of the most recent n samples.
// If fewer than n samples exist, then all samples are used.
func (h *trackHistory) recent(n int) (length float32, span time.Duration, count int) {
	total := h.positions.Len()
	count = min(n, total)
	if count < 2 {
		return 0, 0, count
	}
	first := total - count
	for i := first + 1; i < total; i++ {
		length += h.positions.Peek(i).center.Distance(h.positions.Peek(i - 1).center)
	}
	span = h.positions.Peek(total - 1).time.Sub(h.positions.Peek(first).time)
	return
}

func (h *trackHistory) resetAggression() {
	h.hits = 0
	h.windowStart = time.Time{}
}
