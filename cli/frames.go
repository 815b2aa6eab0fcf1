package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/training"
)

// FrameDescriptor describes one recorded training frame. Paths are relative to the descriptor.
// R is row-major and, with T, maps object coordinates to camera coordinates.
type FrameDescriptor struct {
	FrameNumber int                                `json:"frame_number"`
	Image       string                             `json:"image"`
	Depth       string                             `json:"depth"`
	Mask        string                             `json:"mask,omitempty"`
	Intrinsics  *transform.PinholeCameraIntrinsics `json:"intrinsics"`
	R           []float64                          `json:"R"`
	T           []float64                          `json:"T"`

	dir string
}

// ReadFrameDescriptors reads every *.json file of dir, in file name order.
func ReadFrameDescriptors(dir string) ([]*FrameDescriptor, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no frame descriptor in %q", dir)
	}
	sort.Strings(paths)
	frames := make([]*FrameDescriptor, 0, len(paths))
	for _, path := range paths {
		//nolint:gosec
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		fd := &FrameDescriptor{}
		if err := json.Unmarshal(data, fd); err != nil {
			return nil, errors.Wrapf(err, "cannot parse frame descriptor %q", path)
		}
		if err := fd.validate(); err != nil {
			return nil, errors.Wrapf(err, "frame descriptor %q", path)
		}
		fd.dir = filepath.Dir(path)
		frames = append(frames, fd)
	}
	return frames, nil
}

func (fd *FrameDescriptor) validate() error {
	if fd.Image == "" || fd.Depth == "" {
		return errors.New("image and depth are required")
	}
	if len(fd.R) != 9 || len(fd.T) != 3 {
		return errors.Errorf("R needs 9 values and T 3, got %d and %d", len(fd.R), len(fd.T))
	}
	return fd.Intrinsics.CheckValid()
}

func (fd *FrameDescriptor) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(fd.dir, name)
}

// Observation loads the images of the frame.
func (fd *FrameDescriptor) Observation() (training.Observation, error) {
	img, err := rimage.ReadGrayImage(fd.path(fd.Image))
	if err != nil {
		return training.Observation{}, err
	}
	depth, err := rimage.ReadDepthMap(fd.path(fd.Depth))
	if err != nil {
		return training.Observation{}, err
	}
	var mask *rimage.Mask
	if fd.Mask != "" {
		if mask, err = rimage.ReadMask(fd.path(fd.Mask)); err != nil {
			return training.Observation{}, err
		}
	}
	return training.Observation{
		Image:       img,
		Depth:       depth,
		Mask:        mask,
		K:           fd.Intrinsics,
		R:           mat.NewDense(3, 3, append([]float64(nil), fd.R...)),
		T:           r3.Vector{X: fd.T[0], Y: fd.T[1], Z: fd.T[2]},
		FrameNumber: fd.FrameNumber,
	}, nil
}
