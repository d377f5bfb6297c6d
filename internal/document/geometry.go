package document

import "math"

// Box is an outline rectangle [x1, y1, x2, y2] in page coordinates.
type Box [4]float64

// Width returns x2 - x1.
func (b Box) Width() float64 { return b[2] - b[0] }

// Height returns y2 - y1.
func (b Box) Height() float64 { return b[3] - b[1] }

// IsZero reports whether the box carries no coordinates.
func (b Box) IsZero() bool { return b == Box{} }

// Area returns the area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Intersect returns the intersection rectangle, possibly degenerate.
func (b Box) Intersect(o Box) Box {
	return Box{
		math.Max(b[0], o[0]),
		math.Max(b[1], o[1]),
		math.Min(b[2], o[2]),
		math.Min(b[3], o[3]),
	}
}

// Overlap returns the area shared by both boxes.
func (b Box) Overlap(o Box) float64 {
	return b.Intersect(o).Area()
}

// Union returns the smallest box containing both. A zero box is ignored.
func (b Box) Union(o Box) Box {
	if b.IsZero() {
		return o
	}
	if o.IsZero() {
		return b
	}
	return Box{
		math.Min(b[0], o[0]),
		math.Min(b[1], o[1]),
		math.Max(b[2], o[2]),
		math.Max(b[3], o[3]),
	}
}
