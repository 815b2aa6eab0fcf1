package keypoints

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// texturedImage draws random gray blocks, shifted by (dx, dy).
func texturedImage(seed int64, w, h, dx, dy int) *image.Gray {
	const block = 8
	rng := rand.New(rand.NewSource(seed))
	cols, rows := (w+2*block)/block+1, (h+2*block)/block+1
	vals := make([]uint8, cols*rows)
	for i := range vals {
		vals[i] = uint8(rng.Intn(256))
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := x-dx+block, y-dy+block
			img.SetGray(x, y, color.Gray{vals[(sy/block)*cols+sx/block]})
		}
	}
	return img
}

func testORBConfig() *ORBConfig {
	return &ORBConfig{
		Layers:          1,
		DownscaleFactor: 2,
		Seed:            42,
		FastConf:        testFASTConfig(),
		BRIEFConf: &BRIEFConfig{
			N:              256,
			Sampling:       uniform,
			UseOrientation: true,
			PatchSize:      31,
		},
	}
}

func TestOrientation(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 50; x < 100; x++ {
			img.SetGray(x, y, color.Gray{200})
		}
	}
	oriented := GetOrientedKeyPointsFromKeyPoints(img, KeyPoints{{50, 50}})
	test.That(t, oriented.Orientations[0], test.ShouldAlmostEqual, 0)

	img = image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 50; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.SetGray(x, y, color.Gray{200})
		}
	}
	oriented = GetOrientedKeyPointsFromKeyPoints(img, KeyPoints{{50, 50}})
	test.That(t, oriented.Orientations[0], test.ShouldAlmostEqual, math.Pi/2)
}

func TestRescaleKeypoints(t *testing.T) {
	rescaled := RescaleKeypoints(KeyPoints{{1, 2}, {10, 15}}, 2)
	test.That(t, rescaled, test.ShouldResemble, KeyPoints{{2, 4}, {20, 30}})
}

func TestGenerateSamplePairs(t *testing.T) {
	sp1 := GenerateSamplePairs(uniform, 128, 31, 3)
	sp2 := GenerateSamplePairs(uniform, 128, 31, 3)
	test.That(t, sp1, test.ShouldResemble, sp2)
	test.That(t, sp1.N, test.ShouldEqual, 128)
	for i := 0; i < sp1.N; i++ {
		for _, p := range []image.Point{sp1.P0[i], sp1.P1[i]} {
			test.That(t, p.X, test.ShouldBeGreaterThanOrEqualTo, -15)
			test.That(t, p.X, test.ShouldBeLessThanOrEqualTo, 16)
		}
	}
	fixedPairs := GenerateSamplePairs(fixed, 16, 31, 0)
	test.That(t, len(fixedPairs.P0), test.ShouldEqual, 16)
}

func TestComputeBRIEFDescriptors(t *testing.T) {
	img := texturedImage(1, 120, 100, 0, 0)
	cfg := testORBConfig().BRIEFConf
	sp := GenerateSamplePairs(cfg.Sampling, cfg.N, cfg.PatchSize, 7)
	kps := &FASTKeypoints{Points: KeyPoints{{60, 50}, {2, 2}}}
	descs, err := ComputeBRIEFDescriptors(img, sp, kps, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(descs), test.ShouldEqual, 2)
	test.That(t, len(descs[0]), test.ShouldEqual, 4)
	test.That(t, descs[0].Equal(make([]uint64, 4)), test.ShouldBeFalse)
	// the patch of a keypoint close to the border does not fit in the image
	test.That(t, descs[1].Equal(make([]uint64, 4)), test.ShouldBeTrue)

	again, err := ComputeBRIEFDescriptors(img, sp, kps, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, descs)

	kps.Orientations = []float64{0}
	_, err = ComputeBRIEFDescriptors(img, sp, kps, cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestORBConfigValidate(t *testing.T) {
	test.That(t, testORBConfig().Validate("feature"), test.ShouldBeNil)

	cfg := testORBConfig()
	cfg.Layers = 0
	test.That(t, cfg.Validate("feature").Error(), test.ShouldContainSubstring, "n_layers")
	cfg = testORBConfig()
	cfg.DownscaleFactor = 1
	test.That(t, cfg.Validate("feature").Error(), test.ShouldContainSubstring, "downscale_factor")
	cfg = testORBConfig()
	cfg.FastConf = nil
	test.That(t, cfg.Validate("feature").Error(), test.ShouldContainSubstring, "fast")
	cfg = testORBConfig()
	cfg.BRIEFConf.PatchSize = 1
	test.That(t, cfg.Validate("feature").Error(), test.ShouldContainSubstring, "patch_size")
}

func TestImagePyramid(t *testing.T) {
	img := texturedImage(2, 160, 120, 0, 0)
	pyramid, err := GetImagePyramid(img, 3, 2, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pyramid.Scales, test.ShouldResemble, []float64{1, 2, 4})
	test.That(t, pyramid.Images[2].Bounds().Size(), test.ShouldResemble, image.Pt(40, 30))

	// levels below the minimum size are not computed
	pyramid, err = GetImagePyramid(img, 5, 2, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pyramid.Images), test.ShouldEqual, 3)

	_, err = GetImagePyramid(img, 0, 2, 32)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestORBMatchingRecoversShift(t *testing.T) {
	extractor, err := NewORBExtractor(testORBConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, extractor.DescriptorWords(), test.ShouldEqual, 4)

	img1 := texturedImage(5, 200, 160, 0, 0)
	img2 := texturedImage(5, 200, 160, 5, 3)
	kps1, descs1, err := extractor.Extract(context.Background(), img1, nil)
	test.That(t, err, test.ShouldBeNil)
	kps2, descs2, err := extractor.Extract(context.Background(), img2, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(kps1), test.ShouldBeGreaterThan, 20)
	test.That(t, len(descs1), test.ShouldEqual, len(kps1))

	matches, err := KNNMatch(descs1, descs2, &MatchingConfig{K: 1, MaxDist: 0})
	test.That(t, err, test.ShouldBeNil)
	matched := 0
	for _, m := range matches {
		if len(m) == 0 {
			continue
		}
		matched++
		test.That(t, kps2[m[0].Idx2].Sub(kps1[m[0].Idx1]), test.ShouldResemble, image.Pt(5, 3))
	}
	test.That(t, matched, test.ShouldBeGreaterThan, 20)

	test.That(t, PlotKeypoints(img1, kps1, filepath.Join(t.TempDir(), "kps.png")), test.ShouldBeNil)
}

func TestExtractorMask(t *testing.T) {
	extractor, err := NewORBExtractor(testORBConfig())
	test.That(t, err, test.ShouldBeNil)
	img := texturedImage(9, 120, 100, 0, 0)

	kps, descs, err := extractor.Extract(context.Background(), img, rimage.NewMask(120, 100))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kps, test.ShouldBeEmpty)
	test.That(t, descs, test.ShouldBeEmpty)

	mask := rimage.NewMask(120, 100)
	mask.FillRect(image.Rect(0, 0, 60, 100))
	kps, _, err = extractor.Extract(context.Background(), img, mask)
	test.That(t, err, test.ShouldBeNil)
	for _, kp := range kps {
		test.That(t, kp.X, test.ShouldBeLessThan, 60)
	}

	_, err = NewORBExtractor(&ORBConfig{Layers: 1, DownscaleFactor: 2})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestKNNMatch(t *testing.T) {
	query := descriptors.Descriptors{{0b1111}, {0b0000_0000_1111_1111}}
	train := descriptors.Descriptors{{0b0111}, {0b1111}, {0b0000}, {0b1110}}
	matches, err := KNNMatch(query, train, &MatchingConfig{K: 2, MaxDist: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldEqual, 2)
	test.That(t, matches[0], test.ShouldResemble, []DescriptorMatch{
		{Idx1: 0, Idx2: 1, Distance: 0},
		{Idx1: 0, Idx2: 0, Distance: 1},
	})
	test.That(t, matches[1], test.ShouldBeEmpty)

	matches, err = KNNMatch(query, train, &MatchingConfig{K: 0, MaxDist: -1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches[0]), test.ShouldEqual, 4)
	test.That(t, matches[0][3].Idx2, test.ShouldEqual, 2)

	_, err = KNNMatch(query, descriptors.Descriptors{{1, 2}}, &MatchingConfig{K: 1})
	test.That(t, err, test.ShouldNotBeNil)
}
