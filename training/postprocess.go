package training

import (
	"context"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/objectdb"
)

// PostProcessor turns the accumulated frames of a session into a model: tracks are built, bundle
// adjusted, merged and written into an objectdb.Model.
type PostProcessor struct {
	cfg      *config.Config
	adjuster Adjuster
	logger   logging.Logger
}

// PostProcessResult holds the intermediate products of a post-processing run.
type PostProcessResult struct {
	Problem    *AdjustmentProblem
	Adjustment *AdjustmentResult
	Points     []MergedPoint
	Model      *objectdb.Model
}

// NewPostProcessor validates the configuration, which needs a search group, and builds the
// configured adjuster.
func NewPostProcessor(cfg *config.Config, logger logging.Logger) (*PostProcessor, error) {
	if err := cfg.Validate(config.KindPostProcessing); err != nil {
		return nil, err
	}
	adjuster, err := NewAdjuster(cfg.Training, logger.Sublogger("adjuster"))
	if err != nil {
		return nil, err
	}
	return &PostProcessor{cfg: cfg, adjuster: adjuster, logger: logger}, nil
}

// WithAdjuster returns a copy of the post-processor using adjuster.
func (pp *PostProcessor) WithAdjuster(adjuster Adjuster) *PostProcessor {
	out := *pp
	out.adjuster = adjuster
	return &out
}

// TrackParams returns the track building parameters.
func (pp *PostProcessor) TrackParams() TrackParams {
	return TrackParams{
		Radius:      pp.cfg.Search.Radius,
		MaxDistance: pp.cfg.Search.MaxTrackDistance,
	}
}

// MergeParams returns the point merging tolerances.
func (pp *PostProcessor) MergeParams() MergeParams {
	params := MergeParams{Distance: pp.cfg.Training.MergeDistance}
	if d := pp.cfg.Training.MergeDescriptorDistance; d != nil {
		params.DescriptorDistance = *d
	}
	return params
}

// Prepare builds the adjustment problem.
func (pp *PostProcessor) Prepare(entries []FrameEntry) (*AdjustmentProblem, error) {
	problem, err := PrepareForAdjustment(entries, pp.TrackParams())
	if err != nil {
		return nil, err
	}
	pp.logger.Infow("prepared bundle adjustment",
		"frames", len(problem.Cameras),
		"observations", len(problem.Observations),
		"tracks", problem.NumTracks(),
	)
	return problem, nil
}

// Adjust runs the adjuster. A result that did not converge is logged and used as is.
func (pp *PostProcessor) Adjust(ctx context.Context, problem *AdjustmentProblem) (*AdjustmentResult, error) {
	result, err := pp.adjuster.Adjust(ctx, problem)
	if err != nil {
		return nil, err
	}
	if !result.Converged {
		pp.logger.Warnw("bundle adjustment did not converge, merging best estimate",
			"iterations", result.Iterations, "rms", result.RMS)
	}
	return result, nil
}

// Merge merges the refined observations.
func (pp *PostProcessor) Merge(problem *AdjustmentProblem, result *AdjustmentResult) ([]MergedPoint, error) {
	inputs, err := MergeInputs(problem, result)
	if err != nil {
		return nil, err
	}
	points, err := MergePoints(inputs, pp.MergeParams())
	if err != nil {
		return nil, err
	}
	pp.logger.Infow("merged points", "observations", len(inputs), "points", len(points))
	return points, nil
}

// Fill writes the merged points into a model.
func (pp *PostProcessor) Fill(objectID, sessionID string, points []MergedPoint) (*objectdb.Model, error) {
	return FillModel(objectID, sessionID, pp.cfg, points)
}

// Process runs every step in order.
func (pp *PostProcessor) Process(ctx context.Context, objectID, sessionID string, entries []FrameEntry) (*PostProcessResult, error) {
	problem, err := pp.Prepare(entries)
	if err != nil {
		return nil, err
	}
	adjustment, err := pp.Adjust(ctx, problem)
	if err != nil {
		return nil, err
	}
	points, err := pp.Merge(problem, adjustment)
	if err != nil {
		return nil, err
	}
	model, err := pp.Fill(objectID, sessionID, points)
	if err != nil {
		return nil, err
	}
	return &PostProcessResult{Problem: problem, Adjustment: adjustment, Points: points, Model: model}, nil
}
