package training

import (
	"context"
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/config"
	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

const testDescriptorWords = 4

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     500,
		Fy:     510,
		Ppx:    320,
		Ppy:    240,
	}
}

func rotationY(angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

func randomDescriptor(rng *rand.Rand) descriptors.Descriptor {
	d := make(descriptors.Descriptor, testDescriptorWords)
	for i := range d {
		d[i] = rng.Uint64()
	}
	return d
}

// flipBits returns a copy of d with its n lowest bits flipped.
func flipBits(d descriptors.Descriptor, n int) descriptors.Descriptor {
	out := append(descriptors.Descriptor(nil), d...)
	for i := 0; i < n; i++ {
		out[i/64] ^= 1 << (i % 64)
	}
	return out
}

type frameFeatures struct {
	kps   keypoints.KeyPoints
	descs descriptors.Descriptors
}

// fakeExtractor returns the features registered for an image.
type fakeExtractor struct {
	features map[*image.Gray]*frameFeatures
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{features: map[*image.Gray]*frameFeatures{}}
}

func (fe *fakeExtractor) Extract(
	ctx context.Context,
	img *image.Gray,
	mask *rimage.Mask,
) (keypoints.KeyPoints, descriptors.Descriptors, error) {
	f, ok := fe.features[img]
	if !ok {
		return nil, nil, errors.New("unknown image")
	}
	kps := keypoints.KeyPoints{}
	descs := descriptors.Descriptors{}
	for i, kp := range f.kps {
		if mask.Contains(kp) {
			kps = append(kps, kp)
			descs = append(descs, f.descs[i])
		}
	}
	return kps, descs, nil
}

// sceneBuilder builds observations of known world points.
type sceneBuilder struct {
	t         *testing.T
	extractor *fakeExtractor
	frames    []Observation
}

func newSceneBuilder(t *testing.T) *sceneBuilder {
	t.Helper()
	return &sceneBuilder{t: t, extractor: newFakeExtractor()}
}

func (sb *sceneBuilder) addFrame(r *mat.Dense, tr r3.Vector) int {
	k := testIntrinsics()
	img := image.NewGray(image.Rect(0, 0, k.Width, k.Height))
	sb.extractor.features[img] = &frameFeatures{}
	sb.frames = append(sb.frames, Observation{
		Image:       img,
		Depth:       rimage.NewEmptyDepthMap(k.Width, k.Height),
		K:           k,
		R:           r,
		T:           tr,
		FrameNumber: len(sb.frames) + 1,
	})
	return len(sb.frames) - 1
}

// see projects a world point into a frame and registers a keypoint with its depth.
func (sb *sceneBuilder) see(frame int, p r3.Vector, desc descriptors.Descriptor) {
	sb.t.Helper()
	obs := sb.frames[frame]
	px, ok, err := WorldToPixel(obs.K, obs.R, obs.T, p)
	test.That(sb.t, err, test.ShouldBeNil)
	test.That(sb.t, ok, test.ShouldBeTrue)
	kp := image.Point{X: int(math.Round(px.X)), Y: int(math.Round(px.Y))}
	pose, err := transform.NewCamPose(obs.R, obs.T)
	test.That(sb.t, err, test.ShouldBeNil)
	z := pose.ToCamera(p).Z
	obs.Depth.Set(kp.X, kp.Y, rimage.Depth(math.Round(z*1000)))
	f := sb.extractor.features[obs.Image]
	f.kps = append(f.kps, kp)
	f.descs = append(f.descs, desc)
}

// threeFrameScene builds 3 frames of 10 keypoints each. The first `shared` points of frame 0 are
// also seen by frame 1 with descriptors a few bits apart.
func threeFrameScene(t *testing.T, shared int) *sceneBuilder {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	sb := newSceneBuilder(t)
	sb.addFrame(rotationY(0), r3.Vector{X: 0, Y: 0, Z: 1})
	sb.addFrame(rotationY(0.1), r3.Vector{X: 0.05, Y: 0, Z: 1})
	sb.addFrame(rotationY(-0.1), r3.Vector{X: -0.05, Y: 0.02, Z: 1})

	for i := 0; i < shared; i++ {
		p := r3.Vector{X: -0.05 + 0.1*float64(i), Y: 0.15, Z: 0.02}
		desc := randomDescriptor(rng)
		sb.see(0, p, desc)
		sb.see(1, p, flipBits(desc, 3))
	}
	for f := 0; f < 3; f++ {
		n := 10
		if f < 2 {
			n -= shared
		}
		for i := 0; i < n; i++ {
			p := r3.Vector{X: -0.09 + 0.02*float64(i), Y: -0.1 + 0.05*float64(f), Z: 0.01 * float64(f)}
			sb.see(f, p, randomDescriptor(rng))
		}
	}
	return sb
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromMap(map[string]interface{}{
		"feature": map[string]interface{}{"type": "ORB"},
		"search":  map[string]interface{}{"radius": 30},
		"db":      map[string]interface{}{"type": "memory"},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Validate(config.KindTraining), test.ShouldBeNil)
	return cfg
}

func identityPose() *transform.CamPose {
	return transform.NewIdentityCamPose()
}
