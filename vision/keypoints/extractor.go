package keypoints

import (
	"context"
	"image"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// Extractor finds keypoints in a gray image and describes them. Keypoints outside of the mask,
// when one is given, are dropped.
type Extractor interface {
	Extract(ctx context.Context, img *image.Gray, mask *rimage.Mask) (KeyPoints, descriptors.Descriptors, error)
}

// ORBExtractor computes ORB features with a fixed set of BRIEF sample pairs.
type ORBExtractor struct {
	cfg   *ORBConfig
	pairs *SamplePairs
}

// NewORBExtractor validates the configuration and draws the BRIEF sample pairs once.
func NewORBExtractor(cfg *ORBConfig) (*ORBExtractor, error) {
	if err := cfg.Validate("feature"); err != nil {
		return nil, err
	}
	return &ORBExtractor{
		cfg:   cfg,
		pairs: GenerateSamplePairs(cfg.BRIEFConf.Sampling, cfg.BRIEFConf.N, cfg.BRIEFConf.PatchSize, cfg.Seed),
	}, nil
}

// DescriptorWords returns the length, in uint64 words, of the descriptors produced by the extractor.
func (e *ORBExtractor) DescriptorWords() int {
	return DescriptorWords(e.cfg.BRIEFConf.N)
}

// Extract implements Extractor.
func (e *ORBExtractor) Extract(
	ctx context.Context,
	img *image.Gray,
	mask *rimage.Mask,
) (KeyPoints, descriptors.Descriptors, error) {
	descs, kps, err := ComputeORBKeypoints(ctx, img, e.pairs, e.cfg)
	if err != nil {
		return nil, nil, err
	}
	if mask == nil {
		return kps, descs, nil
	}
	keptKps := make(KeyPoints, 0, len(kps))
	keptDescs := make(descriptors.Descriptors, 0, len(descs))
	for i, kp := range kps {
		if mask.Contains(kp) {
			keptKps = append(keptKps, kp)
			keptDescs = append(keptDescs, descs[i])
		}
	}
	return keptKps, keptDescs, nil
}
