package detection

import (
	"context"
	"image"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/utils"
	"go.viam.com/tod/vision/keypoints"
)

// PoseResult is one detected instance of an object. R and T map object coordinates to camera
// coordinates: Xc = R*Xm + T.
type PoseResult struct {
	ObjectID string
	R        *mat.Dense
	T        r3.Vector
	// Inliers is the number of matches agreeing with the pose.
	Inliers int
	// Keypoints are the query keypoints of those matches.
	Keypoints keypoints.KeyPoints
}

// QueryFeatures are the keypoints of a query frame with their camera frame positions. Keypoints
// without a usable depth have Valid false and are never used for pose estimation.
type QueryFeatures struct {
	Keypoints keypoints.KeyPoints
	Points    []r3.Vector
	Valid     []bool
}

// GuessGenerator turns descriptor matches into object poses.
type GuessGenerator struct {
	params config.GuessParams
	logger logging.Logger
}

// NewGuessGenerator returns a GuessGenerator using params.
func NewGuessGenerator(params config.GuessParams, logger logging.Logger) (*GuessGenerator, error) {
	if params.MinInliers < sampleSize || params.MinClique < sampleSize {
		return nil, errors.Errorf("min_inliers and min_clique should be >= %d", sampleSize)
	}
	if params.NRansacIterations < 1 || params.SensorError <= 0 {
		return nil, errors.New("n_ransac_iterations should be >= 1 and sensor_error > 0")
	}
	return &GuessGenerator{params: params, logger: logger}, nil
}

// Generate clusters matches per object and extracts as many poses as the matches support. Every
// accepted pose consumes its query keypoints so they cannot support another pose. Results come
// in object order, then in extraction order.
func (gg *GuessGenerator) Generate(
	ctx context.Context,
	query *QueryFeatures,
	matches [][]Match,
	matcher *DescriptorMatcher,
) ([]PoseResult, error) {
	if len(matches) != len(query.Keypoints) {
		return nil, utils.NewLengthMismatchError("matches", len(query.Keypoints), len(matches))
	}
	if len(query.Points) != len(query.Keypoints) || len(query.Valid) != len(query.Keypoints) {
		return nil, errors.New("query keypoints, points and validity flags differ in length")
	}
	perObject := clusterPerObject(query, matches, matcher.NumObjects())

	results := []PoseResult{}
	for object, corrs := range perObject {
		if len(corrs) < gg.params.MinInliers {
			continue
		}
		objectID := matcher.ObjectID(object)
		rng := rand.New(rand.NewSource(gg.params.Seed + int64(object)))
		ar := newAdjacencyRansac(corrs, matcher.Span(object), gg.params.SensorError,
			gg.params.NRansacIterations, gg.params.MinClique, rng)
		gg.logger.Debugw("clustered matches", "object", objectID, "matches", len(corrs),
			"keypoints", len(lo.Uniq(lo.Map(corrs, func(c correspondence, _ int) int { return c.query }))))
		for {
			h, err := ar.run(ctx)
			if err != nil {
				return nil, err
			}
			if h == nil || len(h.inliers) < gg.params.MinInliers {
				break
			}
			queries := lo.Uniq(lo.Map(h.inliers, func(i, _ int) int { return corrs[i].query }))
			results = append(results, PoseResult{
				ObjectID:  objectID,
				R:         h.rotation,
				T:         h.translation,
				Inliers:   len(h.inliers),
				Keypoints: lo.Map(queries, func(q, _ int) image.Point { return query.Keypoints[q] }),
			})
			gg.logger.Debugw("pose found", "object", objectID, "inliers", len(h.inliers), "translation", h.translation)
			ar.invalidateQueries(queries)
		}
	}
	return results, nil
}

func clusterPerObject(query *QueryFeatures, matches [][]Match, objects int) [][]correspondence {
	perObject := make([][]correspondence, objects)
	for q, local := range matches {
		if !query.Valid[q] {
			continue
		}
		for _, m := range local {
			perObject[m.Object] = append(perObject[m.Object], correspondence{
				query:    q,
				pixel:    query.Keypoints[q],
				observed: query.Points[q],
				model:    m.Position,
			})
		}
	}
	return perObject
}
