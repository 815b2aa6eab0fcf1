// Package objectdb stores trained object models. A model is keyed by its object id and method;
// saving a model replaces the previous one with the same key.
package objectdb

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/tod/vision/keypoints/descriptors"
)

// ErrModelNotFound is returned when no model is stored for a requested object.
var ErrModelNotFound = errors.New("model not found")

// NewModelNotFoundError wraps ErrModelNotFound with the missing key.
func NewModelNotFoundError(objectID, method string) error {
	return errors.Wrapf(ErrModelNotFound, "object %q, method %q", objectID, method)
}

// Model is a trained object model: unique world-frame points with one descriptor each.
type Model struct {
	ID        string
	ObjectID  string
	Method    string
	SessionID string
	CreatedAt time.Time

	Submethod  map[string]interface{}
	Parameters map[string]interface{}

	Points      []r3.Vector
	Descriptors descriptors.Descriptors
	// Observations is, for every point, the number of keypoint observations merged into it.
	Observations []int
}

// Validate checks that the model can be stored.
func (m *Model) Validate() error {
	if m == nil {
		return errors.New("model is nil")
	}
	var err error
	if m.ObjectID == "" {
		err = multierr.Append(err, errors.New("model has no object id"))
	}
	if m.Method == "" {
		err = multierr.Append(err, errors.New("model has no method"))
	}
	if len(m.Points) != len(m.Descriptors) {
		err = multierr.Append(err, errors.Errorf("model has %d points but %d descriptors", len(m.Points), len(m.Descriptors)))
	}
	if m.Observations != nil && len(m.Observations) != len(m.Points) {
		err = multierr.Append(err, errors.Errorf("model has %d points but %d observation counts", len(m.Points), len(m.Observations)))
	}
	for i, d := range m.Descriptors {
		if len(d) != len(m.Descriptors[0]) {
			err = multierr.Append(err, errors.Errorf("descriptor %d has %d words, expected %d", i, len(d), len(m.Descriptors[0])))
			break
		}
	}
	return err
}

// Span returns the largest distance between two points of the model, 0 for fewer than 2 points.
func (m *Model) Span() float64 {
	span := 0.
	for i := range m.Points {
		for j := i + 1; j < len(m.Points); j++ {
			span = math.Max(span, m.Points[i].Distance(m.Points[j]))
		}
	}
	return span
}

// Copy returns a deep copy of the model.
func (m *Model) Copy() *Model {
	out := *m
	out.Submethod = copyMap(m.Submethod)
	out.Parameters = copyMap(m.Parameters)
	out.Points = append([]r3.Vector(nil), m.Points...)
	out.Descriptors = make(descriptors.Descriptors, len(m.Descriptors))
	for i, d := range m.Descriptors {
		out.Descriptors[i] = append(descriptors.Descriptor(nil), d...)
	}
	if m.Observations != nil {
		out.Observations = append([]int(nil), m.Observations...)
	}
	return &out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = copyMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// Store persists models. Detection only reads from it; training writes a model once at the end
// of a session.
type Store interface {
	// SaveModel inserts or replaces the model with the same object id and method.
	SaveModel(ctx context.Context, model *Model) error
	// LoadModels returns the models of the given objects, in the order of objectIDs. An empty
	// objectIDs loads every model of the method. A missing object is an ErrModelNotFound.
	LoadModels(ctx context.Context, method string, objectIDs []string) ([]*Model, error)
	Close(ctx context.Context) error
}
