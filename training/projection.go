package training

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/utils"
	"go.viam.com/tod/vision/keypoints"
)

// ErrDegenerateCamera is returned for intrinsics that cannot be inverted.
var ErrDegenerateCamera = errors.New("degenerate camera intrinsics")

func checkIntrinsics(k *transform.PinholeCameraIntrinsics) error {
	if err := k.CheckValid(); err != nil {
		return errors.Wrap(ErrDegenerateCamera, err.Error())
	}
	if math.Abs(mat.Det(k.GetCameraMatrix())) < 1e-12 {
		return errors.Wrap(ErrDegenerateCamera, "camera matrix is singular")
	}
	return nil
}

// BackProject lifts pixels with their depth, in metres, into the camera frame.
func BackProject(k *transform.PinholeCameraIntrinsics, pts keypoints.KeyPoints, depths []float64) ([]r3.Vector, error) {
	if err := checkIntrinsics(k); err != nil {
		return nil, err
	}
	if len(pts) != len(depths) {
		return nil, utils.NewLengthMismatchError("depths", len(pts), len(depths))
	}
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = k.ImagePointTo3DPoint(r2.Point{X: float64(p.X), Y: float64(p.Y)}, depths[i])
	}
	return out, nil
}

// CameraToWorld maps camera-frame points into the world frame of a camera with pose (R, T),
// that is Xw = R^T * (Xc - T).
func CameraToWorld(r mat.Matrix, t r3.Vector, pts []r3.Vector) ([]r3.Vector, error) {
	pose, err := transform.NewCamPose(r, t)
	if err != nil {
		return nil, err
	}
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = pose.ToWorld(p)
	}
	return out, nil
}

// WorldToPixel projects a world point into the image of a camera with pose (R, T). The boolean
// is false when the point lies behind the camera.
func WorldToPixel(k *transform.PinholeCameraIntrinsics, r mat.Matrix, t r3.Vector, p r3.Vector) (r2.Point, bool, error) {
	if err := checkIntrinsics(k); err != nil {
		return r2.Point{}, false, err
	}
	pose, err := transform.NewCamPose(r, t)
	if err != nil {
		return r2.Point{}, false, err
	}
	pc := pose.ToCamera(p)
	px, ok := k.PointToPixel(pc.X, pc.Y, pc.Z)
	return px, ok, nil
}
