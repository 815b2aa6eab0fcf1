package detection

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
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

const testDescriptorWords = 4

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 510, Ppx: 320, Ppy: 240}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromMap(map[string]interface{}{
		"feature": map[string]interface{}{},
		"search":  map[string]interface{}{"radius": 30},
		"db":      map[string]interface{}{"type": "memory"},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Validate(config.KindDetection), test.ShouldBeNil)
	return cfg
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

// randomModel returns a model of n points spread in a cube of the given side, centred on the origin.
func randomModel(rng *rand.Rand, objectID string, n int, side float64) *objectdb.Model {
	m := &objectdb.Model{ObjectID: objectID, Method: config.MethodTOD}
	for i := 0; i < n; i++ {
		m.Points = append(m.Points, r3.Vector{
			X: (rng.Float64() - 0.5) * side,
			Y: (rng.Float64() - 0.5) * side,
			Z: (rng.Float64() - 0.5) * side,
		})
		m.Descriptors = append(m.Descriptors, randomDescriptor(rng))
	}
	return m
}

type queryFeatures struct {
	kps   keypoints.KeyPoints
	descs descriptors.Descriptors
}

// fakeExtractor returns the features registered for an image.
type fakeExtractor struct {
	features map[*image.Gray]*queryFeatures
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

// sceneBuilder renders keypoints of posed models into one query frame.
type sceneBuilder struct {
	t         *testing.T
	rng       *rand.Rand
	query     Query
	extractor *fakeExtractor
	used      map[image.Point]bool
}

func newSceneBuilder(t *testing.T, seed int64) *sceneBuilder {
	t.Helper()
	k := testIntrinsics()
	img := image.NewGray(image.Rect(0, 0, k.Width, k.Height))
	return &sceneBuilder{
		t:   t,
		rng: rand.New(rand.NewSource(seed)),
		query: Query{
			Image: img,
			Depth: rimage.NewEmptyDepthMap(k.Width, k.Height),
			K:     k,
		},
		extractor: &fakeExtractor{features: map[*image.Gray]*queryFeatures{img: {}}},
		used:      map[image.Point]bool{},
	}
}

// addKeypoint registers a keypoint seen at depth z, unless its pixel is taken or out of the image.
func (sb *sceneBuilder) addKeypoint(px r3.Vector, z float64, desc descriptors.Descriptor) bool {
	kp := image.Point{X: int(math.Round(px.X)), Y: int(math.Round(px.Y))}
	if sb.used[kp] || !sb.query.Depth.Contains(kp.X, kp.Y) {
		return false
	}
	sb.used[kp] = true
	sb.query.Depth.Set(kp.X, kp.Y, rimage.Depth(math.Round(z*1000)))
	f := sb.extractor.features[sb.query.Image]
	f.kps = append(f.kps, kp)
	f.descs = append(f.descs, desc)
	return true
}

// place shows every point of m under the pose (r, t) and returns how many keypoints were added.
func (sb *sceneBuilder) place(m *objectdb.Model, r *mat.Dense, t r3.Vector) int {
	sb.t.Helper()
	added := 0
	for i, p := range m.Points {
		pc := transform.Rotate(r, p).Add(t)
		px, ok := sb.query.K.PointToPixel(pc.X, pc.Y, pc.Z)
		test.That(sb.t, ok, test.ShouldBeTrue)
		if sb.addKeypoint(r3.Vector{X: px.X, Y: px.Y}, pc.Z, flipBits(m.Descriptors[i], 2)) {
			added++
		}
	}
	return added
}

// addOutliers adds n keypoints whose descriptors match points of m but whose positions are random.
func (sb *sceneBuilder) addOutliers(m *objectdb.Model, n int) {
	for added := 0; added < n; {
		px := r3.Vector{X: sb.rng.Float64() * 639, Y: sb.rng.Float64() * 479}
		desc := flipBits(m.Descriptors[sb.rng.Intn(len(m.Descriptors))], 1)
		if sb.addKeypoint(px, 0.5+sb.rng.Float64(), desc) {
			added++
		}
	}
}

func saveModels(t *testing.T, models ...*objectdb.Model) objectdb.Store {
	t.Helper()
	store := objectdb.NewMemoryStore()
	for _, m := range models {
		test.That(t, store.SaveModel(context.Background(), m), test.ShouldBeNil)
	}
	return store
}

func checkPose(t *testing.T, res PoseResult, r *mat.Dense, tr r3.Vector) {
	t.Helper()
	test.That(t, mat.EqualApprox(res.R, r, 0.02), test.ShouldBeTrue)
	test.That(t, res.T.Distance(tr), test.ShouldBeLessThan, 0.005)
}
