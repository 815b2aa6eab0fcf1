package training

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

func TestBackProjectRoundTrip(t *testing.T) {
	cameras := []*transform.PinholeCameraIntrinsics{
		testIntrinsics(),
		{Width: 1280, Height: 720, Fx: 910.5, Fy: 908.2, Ppx: 641.3, Ppy: 355.9},
	}
	poses := []struct {
		r *mat.Dense
		t r3.Vector
	}{
		{rotationY(0), r3.Vector{}},
		{rotationY(0.4), r3.Vector{X: 0.1, Y: -0.2, Z: 0.8}},
		{transform.AxisAngleToRotationMatrix(r3.Vector{X: 0.3, Y: -1.1, Z: 2}), r3.Vector{X: -1, Y: 2, Z: 3}},
	}
	pixels := keypoints.KeyPoints{{0, 0}, {320, 240}, {17, 401}, {639, 479}}
	depths := []float64{0.05, 0.7, 1.234, 9.5}

	for _, k := range cameras {
		cam, err := BackProject(k, pixels, depths)
		test.That(t, err, test.ShouldBeNil)
		for i, p := range cam {
			test.That(t, p.Z, test.ShouldAlmostEqual, depths[i])
		}
		for _, pose := range poses {
			world, err := CameraToWorld(pose.r, pose.t, cam)
			test.That(t, err, test.ShouldBeNil)
			for i, w := range world {
				px, ok, err := WorldToPixel(k, pose.r, pose.t, w)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, ok, test.ShouldBeTrue)
				test.That(t, px.X, test.ShouldAlmostEqual, float64(pixels[i].X), 1e-6)
				test.That(t, px.Y, test.ShouldAlmostEqual, float64(pixels[i].Y), 1e-6)
			}
		}
	}
}

func TestBackProjectDegenerate(t *testing.T) {
	pixels := keypoints.KeyPoints{{1, 1}}
	_, err := BackProject(&transform.PinholeCameraIntrinsics{Fx: 0, Fy: 500}, pixels, []float64{1})
	test.That(t, errors.Is(err, ErrDegenerateCamera), test.ShouldBeTrue)
	_, err = BackProject(nil, pixels, []float64{1})
	test.That(t, errors.Is(err, ErrDegenerateCamera), test.ShouldBeTrue)
	_, err = BackProject(testIntrinsics(), pixels, []float64{1, 2})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = CameraToWorld(mat.NewDense(3, 3, nil), r3.Vector{}, []r3.Vector{{X: 1}})
	test.That(t, errors.Is(err, transform.ErrNotRotation), test.ShouldBeTrue)

	// a point behind the camera has no pixel
	_, ok, err := WorldToPixel(testIntrinsics(), rotationY(0), r3.Vector{}, r3.Vector{Z: -1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestValidateKeypoints(t *testing.T) {
	depth := rimage.NewEmptyDepthMap(100, 100)
	kps := keypoints.KeyPoints{{10, 10}, {20, 20}, {30, 30}, {40, 40}, {50, 50}, {200, 5}}
	descs := make(descriptors.Descriptors, len(kps))
	for i := range descs {
		descs[i] = descriptors.Descriptor{uint64(i)}
	}
	depth.Set(10, 10, 500)
	depth.Set(20, 20, 20)    // too close
	depth.Set(30, 30, 12000) // too far
	depth.Set(50, 50, 2000)
	// (40, 40) has no reading

	valid, err := ValidateKeypoints(kps, descs, nil, depth, 0.05, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, valid.Points, test.ShouldResemble, keypoints.KeyPoints{{10, 10}, {50, 50}})
	test.That(t, valid.Indices, test.ShouldResemble, []int{0, 4})
	test.That(t, valid.Descriptors, test.ShouldResemble, descriptors.Descriptors{{0}, {4}})
	test.That(t, valid.Depths[0], test.ShouldAlmostEqual, 0.5)
	test.That(t, valid.Disparities[0], test.ShouldAlmostEqual, 2.)
	test.That(t, valid.Disparities[1], test.ShouldAlmostEqual, 0.5)

	mask := rimage.NewMask(100, 100)
	mask.FillRect(image.Rect(40, 40, 60, 60))
	valid, err = ValidateKeypoints(kps, descs, mask, depth, 0.05, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, valid.Points, test.ShouldResemble, keypoints.KeyPoints{{50, 50}})

	_, err = ValidateKeypoints(kps, descs[:2], nil, depth, 0.05, 10)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ValidateKeypoints(kps, descs, nil, depth, 1, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidateKeypointsEmptyInputs(t *testing.T) {
	depth := rimage.NewEmptyDepthMap(64, 48)
	kps := keypoints.KeyPoints{}
	descs := descriptors.Descriptors{}
	for y := 0; y < 48; y += 4 {
		for x := 0; x < 64; x += 4 {
			depth.Set(x, y, rimage.Depth(500+x+y))
			kps = append(kps, image.Point{x, y})
			descs = append(descs, descriptors.Descriptor{uint64(x*y + 1)})
		}
	}

	// an all-zero mask keeps nothing
	valid, err := ValidateKeypoints(kps, descs, rimage.NewMask(64, 48), depth, 0, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, valid.Len(), test.ShouldEqual, 0)

	// neither does a missing depth map
	valid, err = ValidateKeypoints(kps, descs, nil, nil, 0, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, valid.Len(), test.ShouldEqual, 0)

	valid, err = ValidateKeypoints(kps, descs, nil, depth, 0, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, valid.Len(), test.ShouldEqual, len(kps))
	for i, d := range valid.Disparities {
		test.That(t, d*valid.Depths[i], test.ShouldAlmostEqual, 1.)
		test.That(t, math.IsInf(d, 0), test.ShouldBeFalse)
	}
}
