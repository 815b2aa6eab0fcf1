package rimage

import (
	"image"
	"image/color"
	"testing"

	"go.viam.com/test"
)

func TestMakeGray(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 3, 3))
	test.That(t, MakeGray(g), test.ShouldEqual, g)

	// sub images are copied so they start at the origin
	big := image.NewGray(image.Rect(0, 0, 10, 10))
	big.SetGray(5, 6, color.Gray{Y: 77})
	sub := big.SubImage(image.Rect(4, 4, 8, 8))
	out := MakeGray(sub)
	test.That(t, out.Bounds(), test.ShouldResemble, image.Rect(0, 0, 4, 4))
	test.That(t, out.GrayAt(1, 2).Y, test.ShouldEqual, 77)

	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgba.Set(1, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	out = MakeGray(rgba)
	test.That(t, out.GrayAt(1, 0).Y, test.ShouldEqual, 255)
	test.That(t, SameImgSize(out, rgba), test.ShouldBeTrue)
	test.That(t, SameImgSize(out, g), test.ShouldBeFalse)
}

func TestBlurGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 9, 9))
	img.SetGray(4, 4, color.Gray{Y: 255})
	test.That(t, BlurGray(img, 0), test.ShouldEqual, img)

	blurred := BlurGray(img, 1)
	test.That(t, blurred.Bounds(), test.ShouldResemble, img.Bounds())
	test.That(t, blurred.GrayAt(4, 4).Y, test.ShouldBeLessThan, 255)
	test.That(t, blurred.GrayAt(4, 5).Y, test.ShouldBeGreaterThan, 0)
	test.That(t, blurred.GrayAt(4, 5).Y, test.ShouldBeLessThanOrEqualTo, blurred.GrayAt(4, 4).Y)
}
