package rimage

import (
	"image"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ReadGrayImage reads an image file of any supported format and converts it to gray.
func ReadGrayImage(path string) (*image.Gray, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read image %q", path)
	}
	return MakeGray(img), nil
}

// ReadMask reads a mask image; any non-zero pixel belongs to the mask.
func ReadMask(path string) (*Mask, error) {
	img, err := ReadGrayImage(path)
	if err != nil {
		return nil, err
	}
	return NewMaskFromGray(img), nil
}

// ReadDepthMap reads a 16-bit PNG where each pixel is a depth in mm.
func ReadDepthMap(path string) (*DepthMap, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open depth map %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode depth map %q", path)
	}
	return ConvertImageToDepthMap(img)
}

// WriteDepthMap writes the depth map as a 16-bit PNG.
func WriteDepthMap(dm *DepthMap, path string) error {
	img := image.NewGray16(dm.Bounds())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			img.Set(x, y, dm.At(x, y))
		}
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return png.Encode(f, img)
}
