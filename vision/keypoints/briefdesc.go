package keypoints

import (
	"encoding/json"
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/utils"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// SamplingType stores 0 if a sampling of image points for BRIEF is uniform, 1 if gaussian, 2 if fixed.
type SamplingType int

const (
	uniform SamplingType = iota // 0
	normal                      // 1
	fixed                       // 2
)

// ParseSamplingType converts the name of a sampling type ("uniform", "normal" or "fixed").
func ParseSamplingType(name string) (SamplingType, error) {
	switch name {
	case "", "uniform":
		return uniform, nil
	case "normal", "gaussian":
		return normal, nil
	case "fixed":
		return fixed, nil
	default:
		return uniform, errors.Errorf("unknown sampling type %q", name)
	}
}

// briefBlurSigma is the gaussian smoothing applied before comparing pixel pairs.
const briefBlurSigma = 2.

// SamplePairs are N pairs of points used to create the BRIEF Descriptors of a patch.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs generates n samples for a patch size with the chosen Sampling Type.
// The same seed always yields the same pairs, which keeps descriptors comparable across runs.
func GenerateSamplePairs(dist SamplingType, n, patchSize int, seed int64) *SamplePairs {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	var xs0, ys0, xs1, ys1 []int
	if dist == fixed {
		xs0 = sampleIntegers(rng, patchSize, n, dist)
		ys0 = sampleIntegers(rng, patchSize, n, dist)
		xs1 = sampleIntegers(rng, patchSize, n, dist)
		for i := 0; i < n; i++ {
			ys1 = append(ys1, -ys0[i])
			if i%2 == 0 {
				xs0[i] = 2 * xs0[i] / 3
				xs1[i] = -2 * xs1[i] / 3
				ys1[i] = ys0[i]
			}
		}
	} else {
		xs0 = sampleIntegers(rng, patchSize, n, dist)
		ys0 = sampleIntegers(rng, patchSize, n, dist)
		xs1 = sampleIntegers(rng, patchSize, n, dist)
		ys1 = sampleIntegers(rng, patchSize, n, dist)
	}
	p0 := make([]image.Point, 0, n)
	p1 := make([]image.Point, 0, n)
	for i := 0; i < n; i++ {
		p0 = append(p0, image.Point{X: xs0[i], Y: ys0[i]})
		p1 = append(p1, image.Point{X: xs1[i], Y: ys1[i]})
	}

	return &SamplePairs{P0: p0, P1: p1, N: n}
}

func sampleIntegers(rng *rand.Rand, patchSize, n int, sampling SamplingType) []int {
	vMin := math.Round(-(float64(patchSize) - 2) / 2.)
	vMax := math.Round(float64(patchSize) / 2.)
	switch sampling {
	case normal:
		return utils.SampleNIntegersNormal(rng, n, vMin, vMax)
	case fixed:
		return utils.SampleNRegularlySpaced(n, vMin, vMax)
	case uniform:
		return utils.SampleNIntegersUniform(rng, n, vMin, vMax)
	default:
		return utils.SampleNIntegersUniform(rng, n, vMin, vMax)
	}
}

// BRIEFConfig stores the parameters.
type BRIEFConfig struct {
	N              int          `json:"n"` // number of samples taken
	Sampling       SamplingType `json:"sampling"`
	UseOrientation bool         `json:"use_orientation"`
	PatchSize      int          `json:"patch_size"`
}

// LoadBRIEFConfiguration loads a BRIEFConfig from a json file.
func LoadBRIEFConfiguration(file string) (*BRIEFConfig, error) {
	//nolint:gosec
	configFile, err := os.Open(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(configFile.Close)
	var config BRIEFConfig
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, errors.Wrapf(err, "cannot decode BRIEF configuration %q", file)
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the BRIEFConfig are valid.
func (config *BRIEFConfig) Validate(path string) error {
	if config.N < 1 {
		return goutils.NewConfigValidationError(path, errors.New("n should be >= 1"))
	}
	if config.PatchSize < 3 {
		return goutils.NewConfigValidationError(path, errors.New("patch_size should be >= 3"))
	}
	if config.Sampling < uniform || config.Sampling > fixed {
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown sampling type %d", config.Sampling))
	}
	return nil
}

// DescriptorWords returns the number of uint64 words of a descriptor of n bits.
func DescriptorWords(n int) int {
	return (n + 63) / 64
}

// ComputeBRIEFDescriptors computes BRIEF descriptors on image img at keypoints kps.
// Keypoints whose patch does not fit in the image get an all-zero descriptor.
func ComputeBRIEFDescriptors(img *image.Gray, sp *SamplePairs, kps *FASTKeypoints, cfg *BRIEFConfig) (descriptors.Descriptors, error) {
	if kps.Orientations != nil && len(kps.Orientations) != len(kps.Points) {
		return nil, utils.NewLengthMismatchError("orientations", len(kps.Points), len(kps.Orientations))
	}
	blurred := rimage.BlurGray(img, briefBlurSigma)

	descs := make(descriptors.Descriptors, len(kps.Points))
	bnd := blurred.Bounds()
	halfSize := cfg.PatchSize / 2
	for k, kp := range kps.Points {
		p1 := image.Point{kp.X + halfSize, kp.Y + halfSize}
		p2 := image.Point{kp.X + halfSize, kp.Y - halfSize}
		p3 := image.Point{kp.X - halfSize, kp.Y + halfSize}
		p4 := image.Point{kp.X - halfSize, kp.Y - halfSize}
		descriptor := make(descriptors.Descriptor, DescriptorWords(sp.N))
		if !p1.In(bnd) || !p2.In(bnd) || !p3.In(bnd) || !p4.In(bnd) {
			descs[k] = descriptor
			continue
		}
		cosTheta := 1.0
		sinTheta := 0.0
		// if use orientation and keypoints are oriented, compute rotation matrix
		if cfg.UseOrientation && kps.IsOriented() {
			angle := kps.Orientations[k]
			cosTheta = math.Cos(angle)
			sinTheta = math.Sin(angle)
		}
		for i := 0; i < sp.N; i++ {
			x0, y0 := float64(sp.P0[i].X), float64(sp.P0[i].Y)
			x1, y1 := float64(sp.P1[i].X), float64(sp.P1[i].Y)
			// compute rotated sampled coordinates (Identity matrix if no orientation s)
			outx0 := int(math.Round(cosTheta*x0 - sinTheta*y0))
			outy0 := int(math.Round(sinTheta*x0 + cosTheta*y0))
			outx1 := int(math.Round(cosTheta*x1 - sinTheta*y1))
			outy1 := int(math.Round(sinTheta*x1 + cosTheta*y1))
			p0Val := blurred.GrayAt(kp.X+outx0, kp.Y+outy0).Y
			p1Val := blurred.GrayAt(kp.X+outx1, kp.Y+outy1).Y
			if p0Val > p1Val {
				descriptor[i/64] |= 1 << (i % 64)
			}
		}
		descs[k] = descriptor
	}
	return descs, nil
}
