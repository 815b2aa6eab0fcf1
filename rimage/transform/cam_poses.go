package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrNotRotation is returned when a matrix handed in as a rotation is not orthonormal with determinant 1.
var ErrNotRotation = errors.New("matrix is not a rotation")

const rotationTolerance = 1e-3

// CamPose is a rigid transform taking points from the world (object) frame to the camera frame:
// Xc = Rotation * Xw + Translation.
type CamPose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// NewIdentityCamPose returns the pose of a camera sitting at the world origin.
func NewIdentityCamPose() *CamPose {
	return &CamPose{
		Rotation: mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
	}
}

// NewCamPose checks that rot is a 3x3 rotation matrix and returns the corresponding pose.
func NewCamPose(rot mat.Matrix, t r3.Vector) (*CamPose, error) {
	if rot == nil {
		return nil, errors.Wrap(ErrNotRotation, "rotation is nil")
	}
	if r, c := rot.Dims(); r != 3 || c != 3 {
		return nil, errors.Wrapf(ErrNotRotation, "rotation must be 3x3, got %dx%d", r, c)
	}
	if det := mat.Det(rot); math.Abs(det-1) > rotationTolerance {
		return nil, errors.Wrapf(ErrNotRotation, "determinant is %v", det)
	}
	var rtr mat.Dense
	rtr.Mul(rot.T(), rot)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			expected := 0.
			if i == j {
				expected = 1
			}
			if math.Abs(rtr.At(i, j)-expected) > rotationTolerance {
				return nil, errors.Wrap(ErrNotRotation, "rotation is not orthonormal")
			}
		}
	}
	return &CamPose{Rotation: mat.DenseCopyOf(rot), Translation: t}, nil
}

// NewCamPoseFromQuaternion builds a pose from a (normalized on the fly) quaternion and a translation.
func NewCamPoseFromQuaternion(q quat.Number, t r3.Vector) *CamPose {
	return &CamPose{Rotation: QuaternionToRotationMatrix(q), Translation: t}
}

// ToCamera maps a world point into the camera frame.
func (cp *CamPose) ToCamera(p r3.Vector) r3.Vector {
	return rotate(cp.Rotation, p).Add(cp.Translation)
}

// ToWorld maps a camera-frame point back into the world frame.
func (cp *CamPose) ToWorld(p r3.Vector) r3.Vector {
	return rotateTransposed(cp.Rotation, p.Sub(cp.Translation))
}

// Quaternion returns the unit quaternion of the pose rotation.
func (cp *CamPose) Quaternion() quat.Number {
	return RotationMatrixToQuaternion(cp.Rotation)
}

// Inverse returns the pose mapping camera points to world points.
func (cp *CamPose) Inverse() *CamPose {
	rt := mat.DenseCopyOf(cp.Rotation.T())
	return &CamPose{Rotation: rt, Translation: rotate(rt, cp.Translation).Mul(-1)}
}

func rotate(rot mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*p.X + rot.At(0, 1)*p.Y + rot.At(0, 2)*p.Z,
		Y: rot.At(1, 0)*p.X + rot.At(1, 1)*p.Y + rot.At(1, 2)*p.Z,
		Z: rot.At(2, 0)*p.X + rot.At(2, 1)*p.Y + rot.At(2, 2)*p.Z,
	}
}

func rotateTransposed(rot mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*p.X + rot.At(1, 0)*p.Y + rot.At(2, 0)*p.Z,
		Y: rot.At(0, 1)*p.X + rot.At(1, 1)*p.Y + rot.At(2, 1)*p.Z,
		Z: rot.At(0, 2)*p.X + rot.At(1, 2)*p.Y + rot.At(2, 2)*p.Z,
	}
}

// Rotate applies a 3x3 matrix to a vector.
func Rotate(rot mat.Matrix, p r3.Vector) r3.Vector {
	return rotate(rot, p)
}

// QuaternionToRotationMatrix converts a quaternion to a 3x3 rotation matrix.
func QuaternionToRotationMatrix(q quat.Number) *mat.Dense {
	n := quat.Abs(q)
	if n == 0 {
		return NewIdentityCamPose().Rotation
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotationMatrixToQuaternion converts a rotation matrix to a unit quaternion with a non-negative real part.
func RotationMatrixToQuaternion(rot mat.Matrix) quat.Number {
	m00, m01, m02 := rot.At(0, 0), rot.At(0, 1), rot.At(0, 2)
	m10, m11, m12 := rot.At(1, 0), rot.At(1, 1), rot.At(1, 2)
	m20, m21, m22 := rot.At(2, 0), rot.At(2, 1), rot.At(2, 2)
	trace := m00 + m11 + m22

	var q quat.Number
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// AxisAngleToRotationMatrix returns the rotation of angle theta = |v| around v (Rodrigues' formula).
func AxisAngleToRotationMatrix(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	if theta < 1e-12 {
		// first order approximation keeps the map differentiable around zero
		return mat.NewDense(3, 3, []float64{
			1, -v.Z, v.Y,
			v.Z, 1, -v.X,
			-v.Y, v.X, 1,
		})
	}
	half := theta / 2
	axis := v.Mul(1 / theta)
	s := math.Sin(half)
	return QuaternionToRotationMatrix(quat.Number{Real: math.Cos(half), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s})
}

// RotationMatrixToAxisAngle is the inverse of AxisAngleToRotationMatrix.
func RotationMatrixToAxisAngle(rot mat.Matrix) r3.Vector {
	q := RotationMatrixToQuaternion(rot)
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := imag.Norm()
	if s < 1e-12 {
		return r3.Vector{X: 2 * q.Imag, Y: 2 * q.Jmag, Z: 2 * q.Kmag}
	}
	theta := 2 * math.Atan2(s, q.Real)
	return imag.Mul(theta / s)
}
