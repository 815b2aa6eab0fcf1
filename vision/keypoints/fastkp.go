package keypoints

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/tod/utils"
)

// FASTConfig holds the parameters necessary to compute the FAST keypoints.
type FASTConfig struct {
	NMatchesCircle int `json:"n_matches"`
	NMSWinSize     int `json:"nms_win_size"`
	// Threshold is the intensity difference (0-255) a circle pixel needs to be brighter or darker.
	Threshold   float64 `json:"threshold"`
	Oriented    bool    `json:"oriented"`
	MaxFeatures int     `json:"max_features"`
}

// FASTKeypoints stores keypoints, their FAST score and, if computed, their orientation.
type FASTKeypoints struct {
	Points       KeyPoints
	Scores       []float64
	Orientations []float64
}

var (
	// CrossIdx contains the neighbors coordinates in a 3-cross neighborhood.
	CrossIdx = []image.Point{{3, 0}, {0, 3}, {-3, 0}, {0, -3}}
	// CircleIdx contains the neighbors coordinates in a circle of radius 3 neighborhood, clockwise from the top.
	CircleIdx = []image.Point{
		{0, -3},
		{1, -3},
		{2, -2},
		{3, -1},
		{3, 0},
		{3, 1},
		{2, 2},
		{1, 3},
		{0, 3},
		{-1, 3},
		{-2, 2},
		{-3, 1},
		{-3, 0},
		{-3, -1},
		{-2, -2},
		{-1, -3},
	}
)

// LoadFASTConfiguration loads a FASTConfig from a json file.
func LoadFASTConfiguration(file string) (*FASTConfig, error) {
	//nolint:gosec
	configFile, err := os.Open(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(configFile.Close)
	var config FASTConfig
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, errors.Wrapf(err, "cannot decode FAST configuration %q", file)
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the FASTConfig are valid.
func (config *FASTConfig) Validate(path string) error {
	if config.NMatchesCircle < 1 || config.NMatchesCircle > len(CircleIdx) {
		return goutils.NewConfigValidationError(path, errors.Errorf("n_matches should be in [1, %d]", len(CircleIdx)))
	}
	if config.NMSWinSize < 1 {
		return goutils.NewConfigValidationError(path, errors.New("nms_win_size should be >= 1"))
	}
	if config.Threshold < 0 {
		return goutils.NewConfigValidationError(path, errors.New("threshold should be >= 0"))
	}
	if config.MaxFeatures < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_features should be >= 0"))
	}
	return nil
}

// NewFASTKeypointsFromImage returns a pointer to a FASTKeypoints struct containing keypoints, scores
// and, if the config asks for it, orientations.
func NewFASTKeypointsFromImage(ctx context.Context, img *image.Gray, cfg *FASTConfig) (*FASTKeypoints, error) {
	kps, scores, err := ComputeFAST(ctx, img, cfg)
	if err != nil {
		return nil, err
	}
	var orientations []float64
	if cfg.Oriented {
		orientations = computeKeypointsOrientations(img, kps)
	}
	return &FASTKeypoints{
		Points:       kps,
		Scores:       scores,
		Orientations: orientations,
	}, nil
}

// IsOriented returns true if FASTKeypoints contains orientations.
func (kps *FASTKeypoints) IsOriented() bool {
	return kps.Orientations != nil
}

// GetPointValuesInNeighborhood returns a slice of floats containing the values of neighborhood pixels in image img.
func GetPointValuesInNeighborhood(img *image.Gray, coords image.Point, neighborhood []image.Point) []float64 {
	vals := make([]float64, len(neighborhood))
	for i := 0; i < len(neighborhood); i++ {
		c := img.GrayAt(coords.X+neighborhood[i].X, coords.Y+neighborhood[i].Y).Y
		vals[i] = float64(c)
	}
	return vals
}

// isValidSliceVals returns true if s holds at least n contiguous positive values, wrapping around
// the end of the slice.
func isValidSliceVals(s []float64, n int) bool {
	if n <= 0 {
		return true
	}
	run := 0
	for i := 0; i < 2*len(s); i++ {
		if s[i%len(s)] > 0 {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// sumOfPositiveValuesSlice returns the sum of the positive values of s.
func sumOfPositiveValuesSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		if v > 0 {
			sum += v
		}
	}
	return sum
}

// sumOfNegativeValuesSlice returns the sum of the negative values of s.
func sumOfNegativeValuesSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		if v < 0 {
			sum += v
		}
	}
	return sum
}

// getBrighterValues flags the values strictly greater than t.
func getBrighterValues(s []float64, t float64) []float64 {
	flags := make([]float64, len(s))
	for i, v := range s {
		if v > t {
			flags[i] = 1
		}
	}
	return flags
}

// getDarkerValues flags the values strictly lower than t.
func getDarkerValues(s []float64, t float64) []float64 {
	flags := make([]float64, len(s))
	for i, v := range s {
		if v < t {
			flags[i] = 1
		}
	}
	return flags
}

// fastScore returns the FAST score of the pixel, 0 if it is not a corner.
func fastScore(img *image.Gray, p image.Point, cfg *FASTConfig) float64 {
	center := float64(img.GrayAt(p.X, p.Y).Y)
	circle := GetPointValuesInNeighborhood(img, p, CircleIdx)
	diffs := make([]float64, len(circle))
	for i, v := range circle {
		diffs[i] = v - center
	}
	score := 0.
	if bright := getBrighterValues(circle, center+cfg.Threshold); isValidSliceVals(bright, cfg.NMatchesCircle) {
		for i, d := range diffs {
			diffs[i] = (d - cfg.Threshold) * bright[i]
		}
		score = sumOfPositiveValuesSlice(diffs)
	} else if dark := getDarkerValues(circle, center-cfg.Threshold); isValidSliceVals(dark, cfg.NMatchesCircle) {
		for i, d := range diffs {
			diffs[i] = (d + cfg.Threshold) * dark[i]
		}
		score = -sumOfNegativeValuesSlice(diffs)
	}
	return score
}

// ComputeFAST computes the location of FAST keypoints together with their score. Keypoints are
// sorted by decreasing score, ties in raster order. Only the local maxima within a window of size
// NMSWinSize are kept, and at most MaxFeatures when it is positive.
func ComputeFAST(ctx context.Context, img *image.Gray, cfg *FASTConfig) (KeyPoints, []float64, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 7 || h < 7 {
		return KeyPoints{}, []float64{}, nil
	}
	scores := make([]float64, w*h)
	err := utils.GroupWorkParallel(ctx, h-6, func(ctx context.Context, groupNum, from, to int) error {
		for y := from + 3; y < to+3; y++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			for x := 3; x < w-3; x++ {
				scores[y*w+x] = fastScore(img, image.Point{bounds.Min.X + x, bounds.Min.Y + y}, cfg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	half := cfg.NMSWinSize / 2
	type candidate struct {
		pt    image.Point
		score float64
	}
	candidates := make([]candidate, 0)
	for y := 3; y < h-3; y++ {
		for x := 3; x < w-3; x++ {
			s := scores[y*w+x]
			if s <= 0 || !isLocalMax(scores, w, h, x, y, half) {
				continue
			}
			candidates = append(candidates, candidate{image.Point{bounds.Min.X + x, bounds.Min.Y + y}, s})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if cfg.MaxFeatures > 0 && len(candidates) > cfg.MaxFeatures {
		candidates = candidates[:cfg.MaxFeatures]
	}
	kps := make(KeyPoints, len(candidates))
	kpScores := make([]float64, len(candidates))
	for i, c := range candidates {
		kps[i] = c.pt
		kpScores[i] = c.score
	}
	return kps, kpScores, nil
}

// isLocalMax returns whether the score at (x, y) beats its window; equal scores go to the
// pixel that comes first in raster order.
func isLocalMax(scores []float64, w, h, x, y, half int) bool {
	s := scores[y*w+x]
	for j := utils.MaxInt(0, y-half); j <= utils.MinInt(h-1, y+half); j++ {
		for i := utils.MaxInt(0, x-half); i <= utils.MinInt(w-1, x+half); i++ {
			if i == x && j == y {
				continue
			}
			other := scores[j*w+i]
			if other > s || (other == s && (j < y || (j == y && i < x))) {
				return false
			}
		}
	}
	return true
}
