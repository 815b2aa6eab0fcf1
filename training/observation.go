// Package training builds textured object models from calibrated RGB-D frames. Every frame is
// reduced to validated 3D keypoint observations which are accumulated, bundle adjusted and merged
// into one point and descriptor per physical surface point.
package training

import (
	"image"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/utils"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// Observation is one RGB-D frame of the object being trained. R and T map object (world)
// coordinates to camera coordinates: Xc = R*Xw + T.
type Observation struct {
	Image       *image.Gray
	Depth       *rimage.DepthMap
	Mask        *rimage.Mask
	K           *transform.PinholeCameraIntrinsics
	R           *mat.Dense
	T           r3.Vector
	FrameNumber int
}

// ValidKeypoints are the keypoints of a frame that lie in the mask and have a usable depth.
type ValidKeypoints struct {
	Points      keypoints.KeyPoints
	Descriptors descriptors.Descriptors
	// Depths are in metres, Disparities their inverse.
	Depths      []float64
	Disparities []float64
	// Indices are the positions of the kept keypoints in the input.
	Indices []int
}

// Len returns the number of kept keypoints.
func (vk *ValidKeypoints) Len() int {
	return len(vk.Points)
}

// ValidateKeypoints keeps the keypoints inside the mask whose depth sample lies in
// [minDepth, maxDepth]. A nil mask accepts every pixel, a nil depth map rejects every keypoint.
func ValidateKeypoints(
	kps keypoints.KeyPoints,
	descs descriptors.Descriptors,
	mask *rimage.Mask,
	depth *rimage.DepthMap,
	minDepth, maxDepth float64,
) (*ValidKeypoints, error) {
	if len(kps) != len(descs) {
		return nil, utils.NewLengthMismatchError("descriptors", len(kps), len(descs))
	}
	if minDepth < 0 || maxDepth <= minDepth {
		return nil, errors.Errorf("invalid depth range [%v, %v]", minDepth, maxDepth)
	}
	valid := &ValidKeypoints{
		Points:      keypoints.KeyPoints{},
		Descriptors: descriptors.Descriptors{},
		Depths:      []float64{},
		Disparities: []float64{},
		Indices:     []int{},
	}
	if depth == nil {
		return valid, nil
	}
	for i, kp := range kps {
		if !mask.Contains(kp) || !depth.Contains(kp.X, kp.Y) {
			continue
		}
		d := depth.GetDepth(kp.X, kp.Y)
		if d == 0 {
			continue
		}
		z := d.Meters()
		if z < minDepth || z > maxDepth {
			continue
		}
		valid.Points = append(valid.Points, kp)
		valid.Descriptors = append(valid.Descriptors, descs[i])
		valid.Depths = append(valid.Depths, z)
		valid.Disparities = append(valid.Disparities, 1/z)
		valid.Indices = append(valid.Indices, i)
	}
	return valid, nil
}
