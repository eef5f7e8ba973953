package tracker

import (
	"math"
	"time"

	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/wardwatch/pkg/idgen"
	"github.com/cyclopcam/wardwatch/pkg/nn"
)

// Tracker assigns stable identities to the detections of one class partition
// (eg persons, or vehicles) across frames.
//
// Matching runs in two phases, once per frame:
//  1. For every track (in ascending ID order), pick the unassigned detection with the
//     highest IoU, provided it is at least IOUThreshold.
//  2. Every track without an IoU match falls back to the nearest unassigned detection
//     by center distance, provided it is closer than MaxDistance.
//
// Ties are broken in favour of the lowest detection index. Leftover detections become new tracks.
// A Tracker is not safe for concurrent use. It is owned by a single processing loop.
type Tracker struct {
	cfg    Config
	ids    *idgen.Int64
	tracks []*Track // Sorted by ID, because IDs are monotonic and we only ever append
}

type Config struct {
	IOUThreshold float32       // Minimum IoU for the first matching phase
	MaxDistance  float32       // Maximum center distance (pixels) for the fallback phase
	MaxAge       time.Duration // Tracks that have not been seen for this long are destroyed
	HistorySize  int           // Number of (time, center) samples retained per track
}

// Default config for tracking people
func PersonConfig() Config {
	return Config{
		IOUThreshold: 0.3,
		MaxDistance:  150,
		MaxAge:       30 * time.Second,
		HistorySize:  30,
	}
}

// Default config for tracking vehicles
func VehicleConfig() Config {
	return Config{
		IOUThreshold: 0.3,
		MaxDistance:  200,
		MaxAge:       60 * time.Second,
		HistorySize:  30,
	}
}

// Sample is one entry of a track's motion history
type Sample struct {
	Time   time.Time
	Center nn.Point
}

type Track struct {
	ID        int64
	Class     int
	Box       nn.BBox
	CreatedAt time.Time
	LastSeen  time.Time
	history   ringbuffer.RingP[Sample]
}

// History returns the motion history, oldest first
func (t *Track) History() []Sample {
	out := make([]Sample, t.history.Len())
	for i := range out {
		out[i] = t.history.Peek(i)
	}
	return out
}

func (t *Track) HistoryLen() int {
	return t.history.Len()
}

// Tracked is a detection that has been assigned to a track
type Tracked struct {
	nn.Detection
	TrackID int64 `json:"trackID"`
}

// Create a new tracker. If ids is nil, the tracker gets its own ID sequence.
// Share an ID generator between trackers if their IDs must not collide.
func NewTracker(cfg Config, ids *idgen.Int64) *Tracker {
	if ids == nil {
		ids = &idgen.Int64{}
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 30
	}
	return &Tracker{
		cfg: cfg,
		ids: ids,
	}
}

func (t *Tracker) Config() Config {
	return t.cfg
}

// Update matches this frame's detections to existing tracks, creates new tracks,
// and destroys expired tracks. The result is in the same order as 'detections'.
// Detections with degenerate boxes are dropped, and do not appear in the result.
func (t *Tracker) Update(detections []nn.Detection, now time.Time) []Tracked {
	detections = nn.FilterValid(detections)

	// Expire before matching, so that a stale track can never be resurrected by a new detection
	t.expire(now)

	// Spatial index over the new detections. Any pair with IoU > 0 must intersect,
	// so a box search around each track finds every IoU candidate.
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(detections))
	for _, d := range detections {
		x1, y1, x2, y2 := boxToInt(d.Box)
		fb.Add(x1, y1, x2, y2)
	}
	fb.Finish()

	detToTrack := make([]int, len(detections))
	for i := range detToTrack {
		detToTrack[i] = -1
	}
	trackHasMatch := make([]bool, len(t.tracks))

	// Phase 1: IoU
	candidates := []int{}
	for j, track := range t.tracks {
		x1, y1, x2, y2 := boxToInt(track.Box)
		candidates = fb.SearchFast(x1, y1, x2, y2, candidates)
		bestI := -1
		bestIOU := float32(0)
		for _, i := range candidates {
			if detToTrack[i] != -1 {
				continue
			}
			iou := track.Box.IOU(detections[i].Box)
			if iou < t.cfg.IOUThreshold {
				continue
			}
			if iou > bestIOU || (iou == bestIOU && i < bestI) {
				bestIOU = iou
				bestI = i
			}
		}
		if bestI != -1 {
			detToTrack[bestI] = j
			trackHasMatch[j] = true
		}
	}

	// Phase 2: Distance between centers.
	// This is O(n*m), but n and m are small (a handful of people in a corridor).
	for j, track := range t.tracks {
		if trackHasMatch[j] {
			continue
		}
		bestI := -1
		bestDistance := float32(math.MaxFloat32)
		for i := range detections {
			if detToTrack[i] != -1 {
				continue
			}
			distance := track.Box.CenterDistance(detections[i].Box)
			if distance < t.cfg.MaxDistance && distance < bestDistance {
				bestDistance = distance
				bestI = i
			}
		}
		if bestI != -1 {
			detToTrack[bestI] = j
			trackHasMatch[j] = true
		}
	}

	result := make([]Tracked, len(detections))
	for i, d := range detections {
		j := detToTrack[i]
		var track *Track
		if j == -1 {
			track = t.newTrack(d, now)
		} else {
			track = t.tracks[j]
			track.Box = d.Box
			track.LastSeen = now
		}
		track.history.Add(Sample{Time: now, Center: d.Box.Center()})
		if track.history.Len() > t.cfg.HistorySize {
			track.history.Next()
		}
		result[i] = Tracked{
			Detection: d,
			TrackID:   track.ID,
		}
	}
	return result
}

func (t *Tracker) newTrack(d nn.Detection, now time.Time) *Track {
	track := &Track{
		ID:        t.ids.Next(),
		Class:     d.Class,
		Box:       d.Box,
		CreatedAt: now,
		LastSeen:  now,
		history:   ringbuffer.NewRingP[Sample](ringSize(t.cfg.HistorySize)),
	}
	t.tracks = append(t.tracks, track)
	return track
}

func (t *Tracker) expire(now time.Time) {
	keep := t.tracks[:0]
	for _, track := range t.tracks {
		if now.Sub(track.LastSeen) <= t.cfg.MaxAge {
			keep = append(keep, track)
		}
	}
	for i := len(keep); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = keep
}

// Get returns the track with the given ID, or nil
func (t *Tracker) Get(id int64) *Track {
	for _, track := range t.tracks {
		if track.ID == id {
			return track
		}
	}
	return nil
}

// Tracks returns the live tracks, in ascending ID order
func (t *Tracker) Tracks() []*Track {
	out := make([]*Track, len(t.tracks))
	copy(out, t.tracks)
	return out
}

func (t *Tracker) Len() int {
	return len(t.tracks)
}

// Reset destroys all tracks. IDs continue to increase, so old IDs are never reused.
func (t *Tracker) Reset() {
	t.tracks = nil
}

// flatbush wants integer coordinates. Round outwards so that we never lose a candidate.
func boxToInt(b nn.BBox) (x1, y1, x2, y2 int32) {
	return int32(math.Floor(float64(b.X1))), int32(math.Floor(float64(b.Y1))),
		int32(math.Ceil(float64(b.X2))), int32(math.Ceil(float64(b.Y2)))
}

// ringSize returns the size of a RingP that can hold n items.
// A RingP holds one item less than its (power of 2) size.
func ringSize(n int) int {
	p := 2
	for p < n+1 {
		p *= 2
	}
	return p
}
