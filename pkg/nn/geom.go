package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	dx := p.X - b.X
	dy := p.Y - b.Y
	return math32.Sqrt(dx*dx + dy*dy)
}

// BBox is an axis aligned box in frame pixel space.
// A valid box has X2 > X1 and Y2 > Y1.
type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func MakeBBox(x1, y1, x2, y2 float32) BBox {
	return BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func (b BBox) Width() float32 {
	return b.X2 - b.X1
}

func (b BBox) Height() float32 {
	return b.Y2 - b.Y1
}

func (b BBox) Area() float32 {
	if !b.IsValid() {
		return 0
	}
	return b.Width() * b.Height()
}

// IsValid is false for degenerate boxes (zero or negative width or height)
func (b BBox) IsValid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

func (b BBox) Center() Point {
	return Point{
		X: (b.X1 + b.X2) / 2,
		Y: (b.Y1 + b.Y2) / 2,
	}
}

// Returns an empty (invalid) box if there is no overlap
func (b BBox) Intersection(o BBox) BBox {
	return BBox{
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
		X2: min(b.X2, o.X2),
		Y2: min(b.Y2, o.Y2),
	}
}

// Intersection over Union
func (b BBox) IOU(o BBox) float32 {
	inter := b.Intersection(o).Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance is the euclidean distance between box centers
func (b BBox) CenterDistance(o BBox) float32 {
	return b.Center().Distance(o.Center())
}

// AspectRatio is height / width. Returns 0 for degenerate boxes.
func (b BBox) AspectRatio() float32 {
	if !b.IsValid() {
		return 0
	}
	return b.Height() / b.Width()
}

func (b *BBox) Offset(dx, dy float32) {
	b.X1 += dx
	b.X2 += dx
	b.Y1 += dy
	b.Y2 += dy
}

// Clip the box to the frame dimensions
func (b BBox) Clip(width, height int) BBox {
	w := float32(width)
	h := float32(height)
	return BBox{
		X1: max(0, min(b.X1, w)),
		Y1: max(0, min(b.Y1, h)),
		X2: max(0, min(b.X2, w)),
		Y2: max(0, min(b.Y2, h)),
	}
}
