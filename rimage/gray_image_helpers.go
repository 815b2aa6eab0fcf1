package rimage

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// SameImgSize compares images to see if they're the same size.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Dx() == g2.Bounds().Dx() && g1.Bounds().Dy() == g2.Bounds().Dy()
}

// MakeGray converts any image to an image.Gray anchored at the origin.
func MakeGray(pic image.Image) *image.Gray {
	if g, ok := pic.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	bounds := pic.Bounds()
	result := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(result, result.Bounds(), pic, bounds.Min, draw.Src)
	return result
}

// BlurGray applies a gaussian blur with the given sigma and returns a gray image.
func BlurGray(img *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return img
	}
	return MakeGray(imaging.Blur(img, sigma))
}

// DownscaleGray resizes the image by 1/factor using a box filter.
func DownscaleGray(img *image.Gray, factor float64) (*image.Gray, error) {
	if factor < 1 {
		return nil, errors.Errorf("downscale factor must be >= 1, got %v", factor)
	}
	w := int(float64(img.Bounds().Dx()) / factor)
	h := int(float64(img.Bounds().Dy()) / factor)
	if w < 1 || h < 1 {
		return nil, errors.Errorf("image of size %v too small to downscale by %v", img.Bounds().Size(), factor)
	}
	return MakeGray(imaging.Resize(img, w, h, imaging.Box)), nil
}
