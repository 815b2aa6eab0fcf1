package detection

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// Query is one calibrated RGB-D frame to detect objects in.
type Query struct {
	Image *image.Gray
	Depth *rimage.DepthMap
	Mask  *rimage.Mask
	K     *transform.PinholeCameraIntrinsics
}

// Detector finds the objects of a fixed set of models. It does not change after construction and
// is safe for concurrent use.
type Detector struct {
	extractor keypoints.Extractor
	matcher   *DescriptorMatcher
	guesser   *GuessGenerator
	objectIDs []string
	minDepth  float64
	maxDepth  float64
	opts      config.Options
	logger    logging.Logger

	queries atomic.Int64
}

// NewDetector loads the models of objectIDs, or of the configured object ids when none is given,
// and builds the ORB extractor described by cfg.
func NewDetector(
	ctx context.Context,
	cfg *config.Config,
	store objectdb.Store,
	objectIDs []string,
	logger logging.Logger,
	opts ...config.Option,
) (*Detector, error) {
	if err := cfg.Validate(config.KindDetection); err != nil {
		return nil, err
	}
	orbConf, err := cfg.ORBConfig()
	if err != nil {
		return nil, err
	}
	extractor, err := keypoints.NewORBExtractor(orbConf)
	if err != nil {
		return nil, err
	}
	return NewDetectorWithExtractor(ctx, cfg, extractor, store, objectIDs, logger, opts...)
}

// NewDetectorWithExtractor is NewDetector with a caller provided feature extractor.
func NewDetectorWithExtractor(
	ctx context.Context,
	cfg *config.Config,
	extractor keypoints.Extractor,
	store objectdb.Store,
	objectIDs []string,
	logger logging.Logger,
	opts ...config.Option,
) (*Detector, error) {
	if err := cfg.Validate(config.KindDetection); err != nil {
		return nil, err
	}
	options, err := config.NewOptions(opts...)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("detection needs a model store")
	}
	if len(objectIDs) == 0 {
		objectIDs = cfg.ObjectIDs
	}
	models, err := store.LoadModels(ctx, config.MethodTOD, objectIDs)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load models")
	}
	matcher, err := NewDescriptorMatcher(models, *cfg.Search)
	if err != nil {
		return nil, err
	}
	guesser, err := NewGuessGenerator(cfg.Guess, logger.Sublogger("guess"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ObjectID
		logger.Infow("model loaded", "object", m.ObjectID, "points", len(m.Points), "span", matcher.Span(i))
	}
	return &Detector{
		extractor: extractor,
		matcher:   matcher,
		guesser:   guesser,
		objectIDs: ids,
		minDepth:  cfg.Training.MinDepth,
		maxDepth:  cfg.Training.MaxDepth,
		opts:      options,
		logger:    logger,
	}, nil
}

// ObjectIDs returns the objects the detector looks for.
func (d *Detector) ObjectIDs() []string {
	return append([]string(nil), d.objectIDs...)
}

// Detect returns the poses of the objects found in q, most supported first.
func (d *Detector) Detect(ctx context.Context, q Query) ([]PoseResult, error) {
	if q.Image == nil {
		return nil, errors.New("query has no image")
	}
	if d.matcher.Empty() {
		return []PoseResult{}, nil
	}
	kps, descs, err := d.extractor.Extract(ctx, q.Image, q.Mask)
	if err != nil {
		return nil, err
	}
	return d.DetectFeatures(ctx, q, kps, descs)
}

// DetectFeatures is Detect for keypoints and descriptors already extracted from q.Image.
func (d *Detector) DetectFeatures(
	ctx context.Context,
	q Query,
	kps keypoints.KeyPoints,
	descs descriptors.Descriptors,
) ([]PoseResult, error) {
	if len(kps) != len(descs) {
		return nil, errors.Errorf("got %d keypoints but %d descriptors", len(kps), len(descs))
	}
	if d.matcher.Empty() || len(kps) == 0 {
		return []PoseResult{}, nil
	}
	if q.Depth == nil {
		d.logger.Debug("query has no depth, nothing to detect")
		return []PoseResult{}, nil
	}
	if err := q.K.CheckValid(); err != nil {
		return nil, err
	}
	features := d.queryFeatures(q, kps)
	matches, err := d.matcher.Match(ctx, descs)
	if err != nil {
		return nil, err
	}
	results, err := d.guesser.Generate(ctx, features, matches, d.matcher)
	if err != nil {
		return nil, err
	}
	rankResults(results)
	d.logger.Debugw("query processed", "keypoints", len(kps), "poses", len(results))
	if d.opts.Visualize && q.Image != nil {
		d.plotResults(q.Image, results)
	}
	return results, nil
}

// rankResults orders results by decreasing inlier count, then by object id.
func rankResults(results []PoseResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Inliers != results[j].Inliers {
			return results[i].Inliers > results[j].Inliers
		}
		return results[i].ObjectID < results[j].ObjectID
	})
}

func (d *Detector) queryFeatures(q Query, kps keypoints.KeyPoints) *QueryFeatures {
	features := &QueryFeatures{
		Keypoints: kps,
		Points:    make([]r3.Vector, len(kps)),
		Valid:     make([]bool, len(kps)),
	}
	for i, kp := range kps {
		if !q.Depth.Contains(kp.X, kp.Y) {
			continue
		}
		depth := q.Depth.GetDepth(kp.X, kp.Y)
		if depth == 0 {
			continue
		}
		z := depth.Meters()
		if z < d.minDepth || z > d.maxDepth {
			continue
		}
		x, y, z := q.K.PixelToPoint(float64(kp.X), float64(kp.Y), z)
		features.Points[i] = r3.Vector{X: x, Y: y, Z: z}
		features.Valid[i] = true
	}
	return features
}

func (d *Detector) plotResults(img *image.Gray, results []PoseResult) {
	n := d.queries.Add(1)
	for i, r := range results {
		out := filepath.Join(d.opts.DebugDir, fmt.Sprintf("query_%04d_%s_%d.png", n, r.ObjectID, i))
		if err := keypoints.PlotKeypoints(img, r.Keypoints, out); err != nil {
			d.logger.Warnw("cannot write inlier overlay", "path", out, "error", err)
		}
	}
}

// DetectBatch runs Detect on every query concurrently. Results are in query order; the first error
// cancels the remaining queries.
func (d *Detector) DetectBatch(ctx context.Context, queries []Query) ([][]PoseResult, error) {
	results := make([][]PoseResult, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, q := range queries {
		g.Go(func() error {
			res, err := d.Detect(ctx, q)
			if err != nil {
				return errors.Wrapf(err, "query %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
