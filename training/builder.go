package training

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/vision/keypoints"
)

// ModelBuilder reduces observations to frame data and feeds them to a Stacker.
type ModelBuilder struct {
	extractor keypoints.Extractor
	stacker   *Stacker
	params    config.TrainingParams
	opts      config.Options
	logger    logging.Logger
}

// NewModelBuilder returns a ModelBuilder writing into stacker.
func NewModelBuilder(
	extractor keypoints.Extractor,
	stacker *Stacker,
	params config.TrainingParams,
	logger logging.Logger,
	opts config.Options,
) *ModelBuilder {
	return &ModelBuilder{
		extractor: extractor,
		stacker:   stacker,
		params:    params,
		opts:      opts,
		logger:    logger,
	}
}

// ProcessFrame extracts, validates and back-projects the keypoints of obs and appends them to the
// stacker. A frame without any valid keypoint is not appended and returns a sequence number of -1.
func (mb *ModelBuilder) ProcessFrame(ctx context.Context, obs Observation) (int, error) {
	if obs.Image == nil {
		return -1, errors.Errorf("frame %d has no image", obs.FrameNumber)
	}
	if err := checkIntrinsics(obs.K); err != nil {
		return -1, errors.Wrapf(err, "frame %d", obs.FrameNumber)
	}
	pose, err := transform.NewCamPose(obs.R, obs.T)
	if err != nil {
		return -1, errors.Wrapf(err, "frame %d", obs.FrameNumber)
	}
	kps, descs, err := mb.extractor.Extract(ctx, obs.Image, obs.Mask)
	if err != nil {
		return -1, err
	}
	valid, err := ValidateKeypoints(kps, descs, obs.Mask, obs.Depth, mb.params.MinDepth, mb.params.MaxDepth)
	if err != nil {
		return -1, err
	}
	if valid.Len() == 0 {
		mb.logger.Warnw("frame has no valid keypoint", "frame", obs.FrameNumber, "keypoints", len(kps))
		return -1, nil
	}
	camPoints, err := BackProject(obs.K, valid.Points, valid.Depths)
	if err != nil {
		return -1, err
	}
	worldPoints, err := CameraToWorld(pose.Rotation, pose.Translation, camPoints)
	if err != nil {
		return -1, err
	}
	seq, err := mb.stacker.Accept(FrameData{
		FrameNumber: obs.FrameNumber,
		Points2D:    valid.Points,
		Points3D:    worldPoints,
		Descriptors: valid.Descriptors,
		Disparities: valid.Disparities,
		K:           obs.K,
		Pose:        pose,
	})
	if err != nil {
		return -1, err
	}
	mb.logger.Debugw("frame accepted", "frame", obs.FrameNumber, "seq", seq, "keypoints", len(kps), "valid", valid.Len())
	if mb.opts.Visualize {
		out := filepath.Join(mb.opts.DebugDir, fmt.Sprintf("frame_%05d_seq_%03d.png", obs.FrameNumber, seq))
		if err := keypoints.PlotKeypoints(obs.Image, valid.Points, out); err != nil {
			mb.logger.Warnw("cannot write keypoint overlay", "path", out, "error", err)
		}
	}
	return seq, nil
}

// Run processes frames until the channel is closed, with params.Workers frames in flight. The
// first error stops every worker.
func (mb *ModelBuilder) Run(ctx context.Context, frames <-chan Observation) error {
	workers := mb.params.Workers
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case obs, ok := <-frames:
					if !ok {
						return nil
					}
					if _, err := mb.ProcessFrame(ctx, obs); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}
