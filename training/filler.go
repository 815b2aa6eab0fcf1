package training

import (
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/tod/config"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// FillModel writes merged points into the model stored for objectID.
func FillModel(objectID, sessionID string, cfg *config.Config, points []MergedPoint) (*objectdb.Model, error) {
	if objectID == "" {
		return nil, errors.New("cannot fill a model without an object id")
	}
	params, err := parametersOf(cfg)
	if err != nil {
		return nil, err
	}
	model := &objectdb.Model{
		ID:           uuid.NewString(),
		ObjectID:     objectID,
		Method:       config.MethodTOD,
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
		Submethod:    cfg.Submethod,
		Parameters:   params,
		Points:       make([]r3.Vector, len(points)),
		Descriptors:  make(descriptors.Descriptors, len(points)),
		Observations: make([]int, len(points)),
	}
	for i, p := range points {
		model.Points[i] = p.Position
		model.Descriptors[i] = p.Descriptor
		model.Observations[i] = len(p.Members)
	}
	return model, model.Validate()
}

// parametersOf returns the configuration as a generic document.
func parametersOf(cfg *config.Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode training parameters")
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errors.Wrap(err, "cannot encode training parameters")
	}
	return params, nil
}
