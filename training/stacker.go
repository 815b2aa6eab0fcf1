package training

import (
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/utils"
	"go.viam.com/tod/vision/keypoints"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// ErrStackerSealed is returned when frames are handed to a sealed Stacker.
var ErrStackerSealed = errors.New("stacker is sealed")

// FrameData is what one frame contributes to the model: validated keypoints, their world-frame
// estimates and the camera that observed them.
type FrameData struct {
	FrameNumber int
	Points2D    keypoints.KeyPoints
	Points3D    []r3.Vector
	Descriptors descriptors.Descriptors
	Disparities []float64
	K           *transform.PinholeCameraIntrinsics
	Pose        *transform.CamPose
}

// Len returns the number of points of the frame.
func (fd *FrameData) Len() int {
	return len(fd.Points3D)
}

func (fd *FrameData) validate() error {
	n := len(fd.Points3D)
	if len(fd.Points2D) != n {
		return utils.NewLengthMismatchError("2D points", n, len(fd.Points2D))
	}
	if len(fd.Descriptors) != n {
		return utils.NewLengthMismatchError("descriptors", n, len(fd.Descriptors))
	}
	if len(fd.Disparities) != n {
		return utils.NewLengthMismatchError("disparities", n, len(fd.Disparities))
	}
	if fd.K == nil || fd.Pose == nil {
		return errors.New("frame data needs a camera and a pose")
	}
	return nil
}

// FrameEntry is a FrameData tagged with the sequence number the Stacker assigned to it.
type FrameEntry struct {
	Seq int
	FrameData
}

// Stacker accumulates frames. Accept calls are atomic and numbered in the order they are
// serialised; nothing is ever removed or deduplicated.
type Stacker struct {
	mu        sync.Mutex
	entries   []FrameEntry
	numPoints int
	sealed    bool
}

// NewStacker returns an empty Stacker.
func NewStacker() *Stacker {
	return &Stacker{}
}

// Accept appends a frame and returns its sequence number.
func (s *Stacker) Accept(fd FrameData) (int, error) {
	if err := fd.validate(); err != nil {
		return -1, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return -1, ErrStackerSealed
	}
	seq := len(s.entries)
	s.entries = append(s.entries, FrameEntry{Seq: seq, FrameData: fd})
	s.numPoints += fd.Len()
	return seq, nil
}

// Seal stops the Stacker from accepting frames. It is safe to seal twice.
func (s *Stacker) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// Sealed returns whether Seal was called.
func (s *Stacker) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// Entries returns the accumulated frames ordered by sequence number.
func (s *Stacker) Entries() []FrameEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FrameEntry(nil), s.entries...)
}

// Len returns the number of accepted frames.
func (s *Stacker) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NumPoints returns the total number of points over all accepted frames.
func (s *Stacker) NumPoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPoints
}
