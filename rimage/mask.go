package rimage

import (
	"image"
)

// Mask marks the pixels belonging to the object being trained or detected. A nil Mask
// accepts every pixel.
type Mask struct {
	img *image.Gray
}

// NewMask returns an all-zero mask of the given size.
func NewMask(width, height int) *Mask {
	return &Mask{image.NewGray(image.Rect(0, 0, width, height))}
}

// NewMaskFromGray wraps a gray image; any non-zero pixel is part of the mask.
func NewMaskFromGray(img *image.Gray) *Mask {
	return &Mask{img}
}

// Bounds returns the mask dimensions.
func (m *Mask) Bounds() image.Rectangle {
	return m.img.Bounds()
}

// Set includes or excludes a pixel.
func (m *Mask) Set(x, y int, on bool) {
	if on {
		m.img.Pix[m.img.PixOffset(x, y)] = 255
	} else {
		m.img.Pix[m.img.PixOffset(x, y)] = 0
	}
}

// FillRect includes every pixel of the rectangle that lies inside the mask.
func (m *Mask) FillRect(r image.Rectangle) {
	r = r.Intersect(m.img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y, true)
		}
	}
}

// Contains returns whether the pixel is part of the mask.
func (m *Mask) Contains(p image.Point) bool {
	if m == nil {
		return true
	}
	if !p.In(m.img.Bounds()) {
		return false
	}
	return m.img.GrayAt(p.X, p.Y).Y > 0
}

// Count returns the number of pixels in the mask.
func (m *Mask) Count() int {
	if m == nil {
		return 0
	}
	n := 0
	b := m.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if m.img.GrayAt(x, y).Y > 0 {
				n++
			}
		}
	}
	return n
}

// Gray returns the underlying gray image.
func (m *Mask) Gray() *image.Gray {
	return m.img
}
