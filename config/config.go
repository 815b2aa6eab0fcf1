// Package config defines the parameter groups shared by the training and detection pipelines,
// how they are read, merged with a submethod and validated.
package config

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/tod/vision/keypoints"
)

// MethodTOD is the method name models are stored under.
const MethodTOD = "TOD"

// Kind selects which parameter groups a consumer requires.
type Kind int

const (
	// KindFeatures only needs the feature group.
	KindFeatures Kind = iota
	// KindPostProcessing needs the search group.
	KindPostProcessing
	// KindTraining needs the feature and search groups.
	KindTraining
	// KindDetection needs the feature and search groups.
	KindDetection
)

func (k Kind) String() string {
	switch k {
	case KindFeatures:
		return "features"
	case KindPostProcessing:
		return "post-processing"
	case KindTraining:
		return "training"
	case KindDetection:
		return "detection"
	default:
		return "unknown"
	}
}

// Default values applied to unset fields.
const (
	DefaultFeatureType      = "ORB"
	DefaultNFeatures        = 1000
	DefaultNLevels          = 3
	DefaultScaleFactor      = 1.5
	DefaultFastThreshold    = 20.
	DefaultFastNMatches     = 9
	DefaultNMSWinSize       = 7
	DefaultDescriptorBits   = 256
	DefaultPatchSize        = 31
	DefaultSearchType       = "BRUTE_FORCE"
	DefaultKNN              = 5
	DefaultMinInliers       = 15
	DefaultRansacIterations = 1000
	DefaultSensorError      = 0.01
	DefaultMinClique        = 8
	DefaultDBType           = "sqlite"
	DefaultDBPath           = "tod.db"
	DefaultDatabase         = "object_recognition"
	DefaultCollection       = "models"
	DefaultMinDepth         = 0.05
	DefaultMaxDepth         = 10.
	DefaultMergeDistance    = 0.005
	DefaultAdjuster         = "disparity"
	DefaultMaxIterations    = 200
	DefaultDisparityWeight  = 100.
)

// FeatureParams configures the keypoint detector.
type FeatureParams struct {
	Type          string  `json:"type"`
	NFeatures     int     `json:"n_features"`
	NLevels       int     `json:"n_levels"`
	ScaleFactor   float64 `json:"scale_factor"`
	FastThreshold float64 `json:"fast_threshold"`
	FastNMatches  int     `json:"fast_n_matches"`
	NMSWinSize    int     `json:"nms_win_size"`
	MaxPerLevel   int     `json:"max_per_level"`
}

// DescriptorParams configures the binary descriptor.
type DescriptorParams struct {
	Type      string `json:"type"`
	Bits      int    `json:"bits"`
	PatchSize int    `json:"patch_size"`
	Sampling  string `json:"sampling"`
	Oriented  *bool  `json:"oriented,omitempty"`
	Seed      int64  `json:"seed"`
}

// SearchParams configures descriptor matching, both at detection time and when tracks are built
// before bundle adjustment.
type SearchParams struct {
	Type string `json:"type"`
	// Radius is the largest Hamming distance, in bits, of a match.
	Radius int `json:"radius"`
	KNN    int `json:"knn"`
	// MaxTrackDistance, in metres, limits how far apart two observations of one track may start. 0 disables it.
	MaxTrackDistance float64 `json:"max_track_distance"`
}

// GuessParams configures the pose hypothesis generation.
type GuessParams struct {
	MinInliers        int     `json:"min_inliers"`
	NRansacIterations int     `json:"n_ransac_iterations"`
	SensorError       float64 `json:"sensor_error"`
	MinClique         int     `json:"min_clique"`
	Seed              int64   `json:"seed"`
}

// DBParams selects and configures the model store.
type DBParams struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// TrainingParams configures keypoint validation, bundle adjustment and point merging.
type TrainingParams struct {
	MinDepth                float64 `json:"min_depth"`
	MaxDepth                float64 `json:"max_depth"`
	MergeDistance           float64 `json:"merge_distance"`
	MergeDescriptorDistance *int    `json:"merge_descriptor_distance,omitempty"`
	Workers                 int     `json:"workers"`
	Adjuster                string  `json:"adjuster"`
	MaxIterations           int     `json:"max_iterations"`
	DisparityWeight         float64 `json:"disparity_weight"`
}

// Config is the full parameter document.
type Config struct {
	Feature    *FeatureParams         `json:"feature,omitempty"`
	Descriptor DescriptorParams       `json:"descriptor"`
	Search     *SearchParams          `json:"search,omitempty"`
	Guess      GuessParams            `json:"guess"`
	DB         DBParams               `json:"db"`
	Training   TrainingParams         `json:"training"`
	ObjectIDs  []string               `json:"object_ids,omitempty"`
	Submethod  map[string]interface{} `json:"submethod,omitempty"`

	// UnusedKeys lists the keys of the raw document that no field consumed.
	UnusedKeys []string `json:"-"`
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if f := c.Feature; f != nil {
		if f.Type == "" {
			f.Type = DefaultFeatureType
		}
		if f.NFeatures == 0 {
			f.NFeatures = DefaultNFeatures
		}
		if f.NLevels == 0 {
			f.NLevels = DefaultNLevels
		}
		if f.ScaleFactor == 0 {
			f.ScaleFactor = DefaultScaleFactor
		}
		if f.FastThreshold == 0 {
			f.FastThreshold = DefaultFastThreshold
		}
		if f.FastNMatches == 0 {
			f.FastNMatches = DefaultFastNMatches
		}
		if f.NMSWinSize == 0 {
			f.NMSWinSize = DefaultNMSWinSize
		}
	}

	d := &c.Descriptor
	if d.Type == "" {
		d.Type = DefaultFeatureType
	}
	if d.Bits == 0 {
		d.Bits = DefaultDescriptorBits
	}
	if d.PatchSize == 0 {
		d.PatchSize = DefaultPatchSize
	}
	if d.Sampling == "" {
		d.Sampling = "uniform"
	}
	if d.Oriented == nil {
		oriented := true
		d.Oriented = &oriented
	}

	if s := c.Search; s != nil {
		if s.Type == "" {
			s.Type = DefaultSearchType
		}
		if s.KNN == 0 {
			s.KNN = DefaultKNN
		}
	}

	g := &c.Guess
	if g.MinInliers == 0 {
		g.MinInliers = DefaultMinInliers
	}
	if g.NRansacIterations == 0 {
		g.NRansacIterations = DefaultRansacIterations
	}
	if g.SensorError == 0 {
		g.SensorError = DefaultSensorError
	}
	if g.MinClique == 0 {
		g.MinClique = DefaultMinClique
	}

	db := &c.DB
	if db.Type == "" {
		db.Type = DefaultDBType
	}
	if db.Type == "sqlite" && db.Path == "" {
		db.Path = DefaultDBPath
	}
	if db.Database == "" {
		db.Database = DefaultDatabase
	}
	if db.Collection == "" {
		db.Collection = DefaultCollection
	}

	tr := &c.Training
	if tr.MinDepth == 0 {
		tr.MinDepth = DefaultMinDepth
	}
	if tr.MaxDepth == 0 {
		tr.MaxDepth = DefaultMaxDepth
	}
	if tr.MergeDistance == 0 {
		tr.MergeDistance = DefaultMergeDistance
	}
	// an explicit 0 only merges identical descriptors
	if tr.MergeDescriptorDistance == nil && c.Search != nil {
		radius := c.Search.Radius
		tr.MergeDescriptorDistance = &radius
	}
	if tr.Workers == 0 {
		tr.Workers = 1
	}
	if tr.Adjuster == "" {
		tr.Adjuster = DefaultAdjuster
	}
	if tr.MaxIterations == 0 {
		tr.MaxIterations = DefaultMaxIterations
	}
	if tr.DisparityWeight == 0 {
		tr.DisparityWeight = DefaultDisparityWeight
	}
}

// Validate checks that the groups required by kind are present and that every value is usable.
func (c *Config) Validate(kind Kind) error {
	const path = "tod"
	needsFeature := kind == KindFeatures || kind == KindTraining || kind == KindDetection
	needsSearch := kind != KindFeatures
	if needsFeature && c.Feature == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "feature")
	}
	if needsSearch && c.Search == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "search")
	}
	if c.Feature != nil {
		if err := c.Feature.validate(path + ".feature"); err != nil {
			return err
		}
	}
	if err := c.Descriptor.validate(path + ".descriptor"); err != nil {
		return err
	}
	if c.Search != nil {
		if err := c.Search.validate(path + ".search"); err != nil {
			return err
		}
	}
	if err := c.Guess.validate(path + ".guess"); err != nil {
		return err
	}
	if err := c.DB.validate(path + ".db"); err != nil {
		return err
	}
	return c.Training.validate(path + ".training")
}

func (f *FeatureParams) validate(path string) error {
	if f.Type != DefaultFeatureType {
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported feature type %q", f.Type))
	}
	if f.NFeatures < 0 || f.MaxPerLevel < 0 {
		return utils.NewConfigValidationError(path, errors.New("n_features and max_per_level should be >= 0"))
	}
	if f.NLevels < 1 {
		return utils.NewConfigValidationError(path, errors.New("n_levels should be >= 1"))
	}
	if f.ScaleFactor <= 1 {
		return utils.NewConfigValidationError(path, errors.New("scale_factor should be greater than 1"))
	}
	return nil
}

func (d *DescriptorParams) validate(path string) error {
	if d.Type != DefaultFeatureType && d.Type != "BRIEF" {
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported descriptor type %q", d.Type))
	}
	if d.Bits < 1 {
		return utils.NewConfigValidationError(path, errors.New("bits should be >= 1"))
	}
	if _, err := keypoints.ParseSamplingType(d.Sampling); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

func (s *SearchParams) validate(path string) error {
	if s.Type != "BRUTE_FORCE" && s.Type != "LSH" {
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported search type %q", s.Type))
	}
	if s.Radius <= 0 {
		return utils.NewConfigValidationError(path, errors.New("radius should be > 0"))
	}
	if s.KNN < 1 {
		return utils.NewConfigValidationError(path, errors.New("knn should be >= 1"))
	}
	if s.MaxTrackDistance < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_track_distance should be >= 0"))
	}
	return nil
}

func (g *GuessParams) validate(path string) error {
	if g.MinInliers < 3 {
		return utils.NewConfigValidationError(path, errors.New("min_inliers should be >= 3"))
	}
	if g.NRansacIterations < 1 {
		return utils.NewConfigValidationError(path, errors.New("n_ransac_iterations should be >= 1"))
	}
	if g.SensorError <= 0 {
		return utils.NewConfigValidationError(path, errors.New("sensor_error should be > 0"))
	}
	if g.MinClique < 3 {
		return utils.NewConfigValidationError(path, errors.New("min_clique should be >= 3"))
	}
	return nil
}

func (db *DBParams) validate(path string) error {
	switch db.Type {
	case "memory":
	case "sqlite":
		if db.Path == "" {
			return utils.NewConfigValidationFieldRequiredError(path, "path")
		}
	case "mongodb":
		if db.URI == "" {
			return utils.NewConfigValidationFieldRequiredError(path, "uri")
		}
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported db type %q", db.Type))
	}
	return nil
}

func (tr *TrainingParams) validate(path string) error {
	if tr.MinDepth < 0 || tr.MaxDepth <= tr.MinDepth {
		return utils.NewConfigValidationError(path, errors.New("depth range should satisfy 0 <= min_depth < max_depth"))
	}
	if tr.MergeDistance < 0 || (tr.MergeDescriptorDistance != nil && *tr.MergeDescriptorDistance < 0) {
		return utils.NewConfigValidationError(path, errors.New("merge tolerances should be >= 0"))
	}
	if tr.Workers < 1 {
		return utils.NewConfigValidationError(path, errors.New("workers should be >= 1"))
	}
	if tr.Adjuster != "disparity" && tr.Adjuster != "none" {
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported adjuster %q", tr.Adjuster))
	}
	if tr.MaxIterations < 1 || tr.DisparityWeight < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_iterations should be >= 1 and disparity_weight >= 0"))
	}
	return nil
}

// ORBConfig converts the feature and descriptor groups into the extractor configuration.
func (c *Config) ORBConfig() (*keypoints.ORBConfig, error) {
	if c.Feature == nil {
		return nil, utils.NewConfigValidationFieldRequiredError("tod", "feature")
	}
	sampling, err := keypoints.ParseSamplingType(c.Descriptor.Sampling)
	if err != nil {
		return nil, err
	}
	oriented := c.Descriptor.Oriented == nil || *c.Descriptor.Oriented
	return &keypoints.ORBConfig{
		Layers:          c.Feature.NLevels,
		DownscaleFactor: c.Feature.ScaleFactor,
		NFeatures:       c.Feature.NFeatures,
		Seed:            c.Descriptor.Seed,
		FastConf: &keypoints.FASTConfig{
			NMatchesCircle: c.Feature.FastNMatches,
			NMSWinSize:     c.Feature.NMSWinSize,
			Threshold:      c.Feature.FastThreshold,
			Oriented:       oriented,
			MaxFeatures:    c.Feature.MaxPerLevel,
		},
		BRIEFConf: &keypoints.BRIEFConfig{
			N:              c.Descriptor.Bits,
			Sampling:       sampling,
			UseOrientation: oriented,
			PatchSize:      c.Descriptor.PatchSize,
		},
	}, nil
}

// MatchingConfig converts the search group into the descriptor matcher configuration.
func (c *Config) MatchingConfig() *keypoints.MatchingConfig {
	if c.Search == nil {
		return nil
	}
	return &keypoints.MatchingConfig{K: c.Search.KNN, MaxDist: c.Search.Radius}
}
