package detection

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/rimage/transform"
)

var (
	cupRotation    = transform.AxisAngleToRotationMatrix(r3.Vector{X: 0.2, Y: -0.4, Z: 0.1})
	cupTranslation = r3.Vector{X: 0.02, Y: -0.03, Z: 0.9}
	boxRotation    = transform.AxisAngleToRotationMatrix(r3.Vector{X: -0.1, Y: 0.3, Z: 0.5})
	boxTranslation = r3.Vector{X: -0.3, Y: 0.1, Z: 1.2}
)

func newTestDetector(t *testing.T, sb *sceneBuilder, store objectdb.Store, opts ...config.Option) *Detector {
	t.Helper()
	d, err := NewDetectorWithExtractor(context.Background(), testConfig(t), sb.extractor, store, nil,
		logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return d
}

func TestDetectorKnownPose(t *testing.T) {
	sb := newSceneBuilder(t, 1)
	cup := randomModel(sb.rng, "cup", 60, 0.3)
	placed := sb.place(cup, cupRotation, cupTranslation)
	test.That(t, placed, test.ShouldBeGreaterThanOrEqualTo, 50)
	sb.addOutliers(cup, 10)

	d := newTestDetector(t, sb, saveModels(t, cup))
	test.That(t, d.ObjectIDs(), test.ShouldResemble, []string{"cup"})
	results, err := d.Detect(context.Background(), sb.query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 1)
	test.That(t, results[0].ObjectID, test.ShouldEqual, "cup")
	checkPose(t, results[0], cupRotation, cupTranslation)
	test.That(t, results[0].Inliers, test.ShouldBeGreaterThanOrEqualTo, placed-5)
	test.That(t, len(results[0].Keypoints), test.ShouldBeLessThanOrEqualTo, results[0].Inliers)

	// the same query gives the same answer
	again, err := d.Detect(context.Background(), sb.query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldHaveLength, 1)
	test.That(t, again[0].Inliers, test.ShouldEqual, results[0].Inliers)
	test.That(t, mat.Equal(again[0].R, results[0].R), test.ShouldBeTrue)
}

func TestDetectorTwoObjects(t *testing.T) {
	sb := newSceneBuilder(t, 2)
	cup := randomModel(sb.rng, "cup", 60, 0.3)
	box := randomModel(sb.rng, "box", 45, 0.2)
	sb.place(cup, cupRotation, cupTranslation)
	sb.place(box, boxRotation, boxTranslation)
	sb.addOutliers(box, 5)

	d := newTestDetector(t, sb, saveModels(t, cup, box))
	test.That(t, d.ObjectIDs(), test.ShouldResemble, []string{"box", "cup"})
	results, err := d.Detect(context.Background(), sb.query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 2)
	// most supported first
	test.That(t, results[0].ObjectID, test.ShouldEqual, "cup")
	test.That(t, results[1].ObjectID, test.ShouldEqual, "box")
	test.That(t, results[0].Inliers, test.ShouldBeGreaterThan, results[1].Inliers)
	checkPose(t, results[0], cupRotation, cupTranslation)
	checkPose(t, results[1], boxRotation, boxTranslation)
}

func TestDetectorEmptyModels(t *testing.T) {
	sb := newSceneBuilder(t, 3)
	cup := randomModel(sb.rng, "cup", 30, 0.3)
	sb.place(cup, cupRotation, cupTranslation)

	// nothing stored
	d := newTestDetector(t, sb, objectdb.NewMemoryStore())
	results, err := d.Detect(context.Background(), sb.query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldBeEmpty)

	// a stored model without any point
	d = newTestDetector(t, sb, saveModels(t, &objectdb.Model{ObjectID: "cup", Method: config.MethodTOD}))
	results, err = d.Detect(context.Background(), sb.query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldBeEmpty)
}

func TestDetectorMissingModel(t *testing.T) {
	sb := newSceneBuilder(t, 4)
	store := saveModels(t, randomModel(sb.rng, "cup", 10, 0.1))
	_, err := NewDetectorWithExtractor(context.Background(), testConfig(t), sb.extractor, store,
		[]string{"cup", "bowl"}, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, objectdb.ErrModelNotFound), test.ShouldBeTrue)

	_, err = NewDetectorWithExtractor(context.Background(), testConfig(t), sb.extractor, nil, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	cfg, err := config.FromMap(map[string]interface{}{"feature": map[string]interface{}{}})
	test.That(t, err, test.ShouldBeNil)
	_, err = NewDetector(context.Background(), cfg, store, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "search")

	d, err := NewDetector(context.Background(), testConfig(t), store, []string{"cup"}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ObjectIDs(), test.ShouldResemble, []string{"cup"})
}

func TestDetectorDegenerateQueries(t *testing.T) {
	sb := newSceneBuilder(t, 5)
	cup := randomModel(sb.rng, "cup", 60, 0.3)
	sb.place(cup, cupRotation, cupTranslation)
	d := newTestDetector(t, sb, saveModels(t, cup))
	ctx := context.Background()

	q := sb.query
	q.Depth = nil
	results, err := d.Detect(ctx, q)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldBeEmpty)

	q = sb.query
	q.Image = nil
	_, err = d.Detect(ctx, q)
	test.That(t, err, test.ShouldNotBeNil)

	q = sb.query
	q.K = nil
	_, err = d.Detect(ctx, q)
	test.That(t, errors.Is(err, transform.ErrNoIntrinsics), test.ShouldBeTrue)

	kps, descs, err := sb.extractor.Extract(ctx, sb.query.Image, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = d.DetectFeatures(ctx, sb.query, kps, descs[:3])
	test.That(t, err, test.ShouldNotBeNil)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Detect(cancelled, sb.query)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestDetectBatch(t *testing.T) {
	first := newSceneBuilder(t, 6)
	cup := randomModel(first.rng, "cup", 60, 0.3)
	first.place(cup, cupRotation, cupTranslation)

	second := newSceneBuilder(t, 7)
	moved := r3.Vector{X: -0.05, Y: 0.04, Z: 1}
	second.place(cup, boxRotation, moved)
	// one extractor knows both images
	first.extractor.features[second.query.Image] = second.extractor.features[second.query.Image]

	debugDir := t.TempDir()
	d := newTestDetector(t, first, saveModels(t, cup), config.WithVisualize(debugDir))
	results, err := d.DetectBatch(context.Background(), []Query{first.query, second.query, first.query})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 3)
	for _, res := range results {
		test.That(t, res, test.ShouldHaveLength, 1)
	}
	checkPose(t, results[0][0], cupRotation, cupTranslation)
	checkPose(t, results[1][0], boxRotation, moved)
	checkPose(t, results[2][0], cupRotation, cupTranslation)

	written, err := filepath.Glob(filepath.Join(debugDir, "query_*_cup_0.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldHaveLength, 3)

	unknown := Query{Image: image.NewGray(image.Rect(0, 0, 4, 4)), Depth: first.query.Depth, K: first.query.K}
	_, err = d.DetectBatch(context.Background(), []Query{first.query, unknown})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "query 1")
}

func TestRankResults(t *testing.T) {
	results := []PoseResult{
		{ObjectID: "cup", Inliers: 20},
		{ObjectID: "box", Inliers: 35},
		{ObjectID: "bowl", Inliers: 20},
		{ObjectID: "box", Inliers: 20},
	}
	rankResults(results)
	order := []string{}
	for _, r := range results {
		order = append(order, r.ObjectID)
	}
	test.That(t, order, test.ShouldResemble, []string{"box", "bowl", "box", "cup"})
	test.That(t, results[0].Inliers, test.ShouldEqual, 35)
}
