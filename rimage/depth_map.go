// Package rimage holds the image primitives consumed by the pipelines: gray images,
// depth maps in millimetres and object masks.
package rimage

import (
	"image"
	"image/color"
	"math"

	"go.viam.com/tod/utils"
)

// Depth is the depth in mm. 0 means there was no reading at that pixel.
type Depth uint16

// MaxDepth is the largest depth a DepthMap can hold.
const MaxDepth = Depth(math.MaxUint16)

// Meters converts the depth to metres.
func (d Depth) Meters() float64 {
	return float64(d) / 1000.
}

// DepthMap fulfills the image.Image interface and represents the depth information of the
// scene in mm.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns an unset depth map with the given dimensions.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// Width returns the width of the map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the height of the map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle dimensions of the image.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// Contains returns whether the pixel lies inside the map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

func (dm *DepthMap) kxy(x, y int) int {
	return (y * dm.width) + x
}

// GetDepth returns the depth at (x, y). Pixels outside of the map read as 0.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	if !dm.Contains(x, y) {
		return 0
	}
	return dm.data[dm.kxy(x, y)]
}

// Set sets the depth at (x, y).
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// ColorModel for DepthMap so that it fulfills the image.Image interface.
func (dm *DepthMap) ColorModel() color.Model {
	return color.Gray16Model
}

// At returns the depth value as a color.Gray16.
func (dm *DepthMap) At(x, y int) color.Color {
	return color.Gray16{uint16(dm.GetDepth(x, y))}
}

// MinMax returns the minimum and maximum non-zero depth of the map.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	min, max := MaxDepth, Depth(0)
	for _, d := range dm.data {
		if d == 0 {
			continue
		}
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	if max == 0 {
		return 0, 0
	}
	return min, max
}

// ConvertImageToDepthMap takes a 16-bit gray image, where each value is a depth in mm,
// and returns it as a DepthMap.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	switch ii := img.(type) {
	case *DepthMap:
		return ii, nil
	case *image.Gray16:
		bounds := ii.Bounds()
		dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, Depth(ii.Gray16At(x+bounds.Min.X, y+bounds.Min.Y).Y))
			}
		}
		return dm, nil
	default:
		return nil, utils.NewUnexpectedTypeError((*DepthMap)(nil), img)
	}
}
