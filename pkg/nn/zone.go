package nn

// Polygon is a closed ring of vertices. The last vertex connects back to the first.
type Polygon []Point

// Rectangle polygon with corners (x1,y1) and (x2,y2)
func RectPolygon(x1, y1, x2, y2 float32) Polygon {
	return Polygon{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}}
}

// Contains uses the even-odd rule. Points on the top/left edges are inside,
// points on the bottom/right edges are outside, so adjacent rectangles never
// both claim the same point.
func (poly Polygon) Contains(p Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		a := poly[i]
		b := poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Zone is a named region of the monitored space
type Zone struct {
	Name    string  `json:"name"`
	Polygon Polygon `json:"polygon"`
}

// FindZone returns the first zone that contains p
func FindZone(zones []Zone, p Point) (string, bool) {
	for _, z := range zones {
		if z.Polygon.Contains(p) {
			return z.Name, true
		}
	}
	return "", false
}
