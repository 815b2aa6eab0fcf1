// Package detection finds trained objects in a calibrated RGB-D query frame. Query descriptors are
// matched against every loaded model, the 3D positions of the matches are clustered per object and
// rigid poses are estimated with a RANSAC constrained by the geometry of the object.
package detection

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/tod/config"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// Match is a query descriptor matched to one point of one model.
type Match struct {
	// Object is the index of the model in the matcher.
	Object int
	// Point is the index of the matched point in the model.
	Point    int
	Distance int
	// Position is the matched model point, in object coordinates.
	Position r3.Vector
}

// DescriptorMatcher matches query descriptors against a fixed set of models. It is read-only
// after construction.
type DescriptorMatcher struct {
	models []*objectdb.Model
	spans  []float64
	cfg    keypoints.MatchingConfig
	words  int
}

// NewDescriptorMatcher indexes models for matching with the search parameters. Every non-empty
// model must use descriptors of the same length.
func NewDescriptorMatcher(models []*objectdb.Model, search config.SearchParams) (*DescriptorMatcher, error) {
	if search.KNN < 1 {
		return nil, errors.New("knn should be >= 1")
	}
	if search.Radius <= 0 {
		return nil, errors.New("radius should be > 0")
	}
	dm := &DescriptorMatcher{
		models: models,
		spans:  make([]float64, len(models)),
		cfg:    keypoints.MatchingConfig{K: search.KNN, MaxDist: search.Radius},
	}
	for i, m := range models {
		if err := m.Validate(); err != nil {
			return nil, errors.Wrapf(err, "model of object %q", m.ObjectID)
		}
		dm.spans[i] = m.Span()
		if len(m.Descriptors) == 0 {
			continue
		}
		if dm.words == 0 {
			dm.words = len(m.Descriptors[0])
		} else if len(m.Descriptors[0]) != dm.words {
			return nil, errors.Errorf("model of object %q has %d-word descriptors, expected %d",
				m.ObjectID, len(m.Descriptors[0]), dm.words)
		}
	}
	return dm, nil
}

// NumObjects returns the number of models.
func (dm *DescriptorMatcher) NumObjects() int {
	return len(dm.models)
}

// ObjectID returns the object id of the model at index object.
func (dm *DescriptorMatcher) ObjectID(object int) string {
	return dm.models[object].ObjectID
}

// Span returns the largest distance between two points of the model at index object.
func (dm *DescriptorMatcher) Span(object int) float64 {
	return dm.spans[object]
}

// Empty is true when no model has a point to match against.
func (dm *DescriptorMatcher) Empty() bool {
	return dm.words == 0
}

// Match returns, for every query descriptor, up to knn matches per model within the search radius,
// grouped by model and sorted by increasing distance inside a model.
func (dm *DescriptorMatcher) Match(ctx context.Context, query descriptors.Descriptors) ([][]Match, error) {
	matches := make([][]Match, len(query))
	if dm.Empty() || len(query) == 0 {
		return matches, nil
	}
	if len(query[0]) != dm.words {
		return nil, errors.Errorf("query descriptors have %d words, models have %d", len(query[0]), dm.words)
	}
	for object, m := range dm.models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(m.Descriptors) == 0 {
			continue
		}
		perQuery, err := keypoints.KNNMatch(query, m.Descriptors, &dm.cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "matching against object %q", m.ObjectID)
		}
		for q, candidates := range perQuery {
			for _, c := range candidates {
				matches[q] = append(matches[q], Match{
					Object:   object,
					Point:    c.Idx2,
					Distance: c.Distance,
					Position: m.Points[c.Idx2],
				})
			}
		}
	}
	return matches, nil
}
