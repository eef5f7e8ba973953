// Package nn holds the types exchanged with the perception models (detector,
// pose, embedders). The models themselves run elsewhere. See the perception
// package for the HTTP clients.
package nn

import (
	"context"
	"image"
)

const DefaultProbabilityThreshold = 0.5

// Detection is an object that a neural network has found in a frame
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        BBox    `json:"box"`
}

// FilterValid drops detections with degenerate boxes
func FilterValid(dets []Detection) []Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Box.IsValid() {
			out = append(out, d)
		}
	}
	return out
}

// Landmark is a single pose keypoint, in pixels.
// A PoseExtractor returns landmarks relative to its crop. Use Pose.Offset to move them into frame coordinates.
type Landmark struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Visibility float32 `json:"visibility"`
}

// Pose is a set of body landmarks using the 33-point BlazePose layout
type Pose struct {
	Landmarks []Landmark `json:"landmarks"`
}

// BlazePose landmark indices that we care about
const (
	LandmarkLeftWrist  = 15
	LandmarkRightWrist = 16
)

// MeanVisibility of all landmarks. Returns 0 for an empty pose.
func (p *Pose) MeanVisibility() float32 {
	if p == nil || len(p.Landmarks) == 0 {
		return 0
	}
	sum := float32(0)
	for _, l := range p.Landmarks {
		sum += l.Visibility
	}
	return sum / float32(len(p.Landmarks))
}

// Landmark returns the landmark at idx, if it exists and its visibility exceeds minVisibility
func (p *Pose) Landmark(idx int, minVisibility float32) (Landmark, bool) {
	if p == nil || idx < 0 || idx >= len(p.Landmarks) {
		return Landmark{}, false
	}
	l := p.Landmarks[idx]
	if l.Visibility <= minVisibility {
		return Landmark{}, false
	}
	return l, true
}

// Offset translates the pose, typically from crop coordinates into frame coordinates
func (p *Pose) Offset(dx, dy float32) {
	for i := range p.Landmarks {
		p.Landmarks[i].X += dx
		p.Landmarks[i].Y += dy
	}
}

// FaceDetail is the result of the precise face embedder.
// A Fallback embedding was produced by a degraded path (eg no face model loaded),
// and must never be used to authorize anybody.
type FaceDetail struct {
	Embedding []float32 `json:"embedding"`
	Box       BBox      `json:"box"`
	Keypoints []Point   `json:"keypoints,omitempty"`
	Fallback  bool      `json:"fallback"`
}

// IsGenuine is true if this face embedding may be used for identity verification
func (f *FaceDetail) IsGenuine() bool {
	return f != nil && !f.Fallback && len(f.Embedding) != 0
}

// ObjectDetector is given a frame, and returns zero or more detected objects
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// PoseExtractor returns the pose of the single person inside the crop, or nil if none was found.
// Landmarks are relative to the top-left corner of the crop's bounds. The caller converts
// them to frame coordinates.
type PoseExtractor interface {
	Pose(ctx context.Context, crop image.Image) (*Pose, error)
}

// CoarseEmbedder produces an L2 normalized general purpose visual embedding
type CoarseEmbedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
}

// FaceEmbedder finds the most prominent face, and returns its identity embedding.
// Returns nil if no face is found.
type FaceEmbedder interface {
	Face(ctx context.Context, img image.Image) (*FaceDetail, error)
}
