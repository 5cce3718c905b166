package images

import (
	"image"
	"image/draw"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// ErrEmptyRegion is returned when a crop region has no pixels inside the image.
var ErrEmptyRegion = errors.New("crop region is empty")

// Resize scales img to exactly width x height (no letterboxing).
//
// Arguments:
//   - img: The image to resize.
//   - width: The target width.
//   - height: The target height.
//
// Returns:
//   - image.Image: The resized image. img itself is returned when it already has the target size.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}

// Crop copies the pixels of img inside box into a new RGBA image.
//
// The box is rounded outward to whole pixels and clamped to the image bounds.
//
// Arguments:
//   - img: The source image.
//   - box: The region to copy, in img's pixel coordinates.
//
// Returns:
//   - *image.RGBA: The cropped image with origin (0, 0).
//   - error: ErrEmptyRegion when the clamped region has no pixels.
func Crop(img image.Image, box Rect) (*image.RGBA, error) {
	b := img.Bounds()
	region := image.Rect(
		Clamp(int(math32.Floor(box.X1)), b.Min.X, b.Max.X),
		Clamp(int(math32.Floor(box.Y1)), b.Min.Y, b.Max.Y),
		Clamp(int(math32.Ceil(box.X2)), b.Min.X, b.Max.X),
		Clamp(int(math32.Ceil(box.Y2)), b.Min.Y, b.Max.Y),
	)
	if region.Empty() {
		return nil, errors.Wrapf(ErrEmptyRegion, "box %+v inside bounds %v", box, b)
	}

	dst := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(dst, dst.Bounds(), img, region.Min, draw.Src)

	return dst, nil
}
