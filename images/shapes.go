// Package images - Image geometry and processing utilities.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// IoUEpsilon is added to the union area so degenerate boxes never divide by zero.
const IoUEpsilon float32 = 1e-6

// Rect is a lightweight corner-form bounding box in pixel coordinates.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the box width, clamped at zero for inverted boxes.
func (r Rect) Width() float32 {
	return math32.Max(0, r.X2-r.X1)
}

// Height returns the box height, clamped at zero for inverted boxes.
func (r Rect) Height() float32 {
	return math32.Max(0, r.Y2-r.Y1)
}

// Area returns the box area. Inverted or degenerate boxes have zero area, never negative.
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// FromCenter builds a corner-form Rect from a center-form box.
//
// Arguments:
//   - cx, cy: The center of the box.
//   - w, h: The width and height of the box.
//
// Returns:
//   - Rect: The corner-form box.
func FromCenter(cx, cy, w, h float32) Rect {
	return Rect{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

// String formats the box for logging.
func (r Rect) String() string {
	return fmt.Sprintf("[%.1f, %.1f, %.1f, %.1f]", r.X1, r.Y1, r.X2, r.Y2)
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
func (r Rect) Scale(sx, sy float32) Rect {
	return Rect{
		X1: r.X1 * sx,
		Y1: r.Y1 * sy,
		X2: r.X2 * sx,
		Y2: r.Y2 * sy,
	}
}

// CalculateIoU measures how much two boxes overlap (Intersection over Union).
//
// The intersection rectangle starts at the maximum of the two top-left corners
// and ends at the minimum of the two bottom-right corners. Its width and height
// are clamped to zero, so disjoint boxes contribute no overlap instead of a
// negative area. The union follows inclusion-exclusion:
//
//	IoU = inter / (areaA + areaB - inter + IoUEpsilon)
//
// Box areas are computed from the corner coordinates with the same clamping, so
// an inverted box behaves like an empty one.
//
// Arguments:
//   - r: The first box.
//   - o: The other box.
//
// Returns:
//   - float32: A value in [0, 1].
//
// Example Usage:
// ```go
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(a, b) // 25 / 175 ≈ 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	inter := math32.Max(0, ix2-ix1) * math32.Max(0, iy2-iy1)

	return inter / (r.Area() + o.Area() - inter + IoUEpsilon)
}
