package keypoints

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// ORBConfig contains the parameters / configs needed to compute ORB features.
type ORBConfig struct {
	Layers          int          `json:"n_layers"`
	DownscaleFactor float64      `json:"downscale_factor"`
	NFeatures       int          `json:"n_features"`
	Seed            int64        `json:"seed"`
	FastConf        *FASTConfig  `json:"fast"`
	BRIEFConf       *BRIEFConfig `json:"brief"`
}

// ImagePyramid contains the successively downscaled images and their scale wrt the original image.
type ImagePyramid struct {
	Images []*image.Gray
	Scales []float64
}

// LoadORBConfiguration loads a ORBConfig from a json file.
func LoadORBConfiguration(file string) (*ORBConfig, error) {
	var config ORBConfig
	//nolint:gosec
	configFile, err := os.Open(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(configFile.Close)
	jsonParser := json.NewDecoder(configFile)
	err = jsonParser.Decode(&config)
	if err != nil {
		return nil, err
	}
	err = config.Validate(file)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the ORBConfig are valid.
func (config *ORBConfig) Validate(path string) error {
	if config.Layers < 1 {
		return utils.NewConfigValidationError(path, errors.New("n_layers should be >= 1"))
	}
	if config.DownscaleFactor <= 1 {
		return utils.NewConfigValidationError(path, errors.New("downscale_factor should be greater than 1"))
	}
	if config.NFeatures < 0 {
		return utils.NewConfigValidationError(path, errors.New("n_features should be >= 0"))
	}
	if config.FastConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "fast")
	}
	if config.BRIEFConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "brief")
	}
	if err := config.FastConf.Validate(path + ".fast"); err != nil {
		return err
	}
	return config.BRIEFConf.Validate(path + ".brief")
}

// GetImagePyramid returns the image pyramid of img. Level i is downscaled by factor^i; the pyramid
// stops early once a level would be smaller than minSize pixels on a side.
func GetImagePyramid(img *image.Gray, layers int, factor float64, minSize int) (*ImagePyramid, error) {
	if layers < 1 {
		return nil, errors.New("number of layers should be > 0")
	}
	pyramid := &ImagePyramid{
		Images: []*image.Gray{rimage.MakeGray(img)},
		Scales: []float64{1},
	}
	for i := 1; i < layers; i++ {
		scale := pyramid.Scales[i-1] * factor
		w := int(float64(img.Bounds().Dx()) / scale)
		h := int(float64(img.Bounds().Dy()) / scale)
		if w < minSize || h < minSize {
			break
		}
		level, err := rimage.DownscaleGray(img, scale)
		if err != nil {
			return nil, err
		}
		pyramid.Images = append(pyramid.Images, level)
		pyramid.Scales = append(pyramid.Scales, scale)
	}
	return pyramid, nil
}

// ComputeORBKeypoints compute ORB keypoints on gray image. Keypoints are expressed in the coordinates
// of the original image; when NFeatures is positive only the NFeatures best FAST scores are kept.
func ComputeORBKeypoints(
	ctx context.Context,
	im *image.Gray,
	sp *SamplePairs,
	cfg *ORBConfig,
) (descriptors.Descriptors, KeyPoints, error) {
	if err := cfg.Validate("orb"); err != nil {
		return nil, nil, err
	}
	pyramid, err := GetImagePyramid(im, cfg.Layers, cfg.DownscaleFactor, cfg.BRIEFConf.PatchSize+1)
	if err != nil {
		return nil, nil, err
	}
	type feature struct {
		pt    image.Point
		score float64
		desc  descriptors.Descriptor
	}
	features := make([]feature, 0)
	for i, currentImage := range pyramid.Images {
		fastKps, err := NewFASTKeypointsFromImage(ctx, currentImage, cfg.FastConf)
		if err != nil {
			return nil, nil, err
		}
		fastKps = dropBorderKeypoints(fastKps, currentImage.Bounds(), cfg.BRIEFConf.PatchSize/2+1)
		descs, err := ComputeBRIEFDescriptors(currentImage, sp, fastKps, cfg.BRIEFConf)
		if err != nil {
			return nil, nil, err
		}
		rescaled := RescaleKeypoints(fastKps.Points, pyramid.Scales[i])
		for j, pt := range rescaled {
			if !pt.In(im.Bounds()) {
				continue
			}
			features = append(features, feature{pt, fastKps.Scores[j], descs[j]})
		}
	}
	if cfg.NFeatures > 0 && len(features) > cfg.NFeatures {
		sort.SliceStable(features, func(i, j int) bool {
			return features[i].score > features[j].score
		})
		features = features[:cfg.NFeatures]
	}
	orbDescriptors := make(descriptors.Descriptors, len(features))
	orbPoints := make(KeyPoints, len(features))
	for i, f := range features {
		orbDescriptors[i] = f.desc
		orbPoints[i] = f.pt
	}
	return orbDescriptors, orbPoints, nil
}

// dropBorderKeypoints removes the keypoints whose descriptor patch would not fit in the image.
func dropBorderKeypoints(kps *FASTKeypoints, bounds image.Rectangle, border int) *FASTKeypoints {
	inner := bounds.Inset(border)
	kept := &FASTKeypoints{
		Points: make(KeyPoints, 0, len(kps.Points)),
		Scores: make([]float64, 0, len(kps.Points)),
	}
	if kps.IsOriented() {
		kept.Orientations = make([]float64, 0, len(kps.Points))
	}
	for i, pt := range kps.Points {
		if !pt.In(inner) {
			continue
		}
		kept.Points = append(kept.Points, pt)
		kept.Scores = append(kept.Scores, kps.Scores[i])
		if kps.IsOriented() {
			kept.Orientations = append(kept.Orientations, kps.Orientations[i])
		}
	}
	return kept
}
