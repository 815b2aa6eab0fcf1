package training

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/tod/rimage/transform"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

// ObservationKey identifies a keypoint observation: the frame sequence number and the index of
// the keypoint in that frame.
type ObservationKey struct {
	Seq   int
	Index int
}

// Less orders keys by frame, then keypoint.
func (k ObservationKey) Less(other ObservationKey) bool {
	if k.Seq != other.Seq {
		return k.Seq < other.Seq
	}
	return k.Index < other.Index
}

// AdjustmentCamera is a camera of the adjustment problem.
type AdjustmentCamera struct {
	FrameNumber int
	K           *transform.PinholeCameraIntrinsics
	Pose        *transform.CamPose
}

// AdjustmentObservation is one keypoint observation of a track.
type AdjustmentObservation struct {
	Key         ObservationKey
	FrameNumber int
	Camera      int
	Track       int
	Pixel       r2.Point
	Disparity   float64
	Initial     r3.Vector
	Descriptor  descriptors.Descriptor
}

// AdjustmentProblem is the flattened input of an Adjuster.
type AdjustmentProblem struct {
	Cameras      []AdjustmentCamera
	Observations []AdjustmentObservation
	// Tracks holds the initial world position of every track, the mean of its observations.
	Tracks []r3.Vector
}

// TrackParams configures how observations are chained into tracks.
type TrackParams struct {
	// Radius is the largest Hamming distance between an observation and the first descriptor of
	// the track it joins.
	Radius int
	// MaxDistance, when positive, is the largest distance between the initial positions of an
	// observation and of the first observation of its track.
	MaxDistance float64
}

type track struct {
	descriptor descriptors.Descriptor
	origin     r3.Vector
	cameras    map[int]bool
}

// PrepareForAdjustment flattens the accumulated frames into an adjustment problem. Frames are
// visited in sequence order and every observation joins the closest matching track that has not
// been seen by its camera yet, or opens a new one.
func PrepareForAdjustment(entries []FrameEntry, params TrackParams) (*AdjustmentProblem, error) {
	problem := &AdjustmentProblem{
		Cameras:      make([]AdjustmentCamera, 0, len(entries)),
		Observations: []AdjustmentObservation{},
		Tracks:       []r3.Vector{},
	}
	var tracks []*track
	counts := []int{}
	for cam, entry := range entries {
		if err := entry.validate(); err != nil {
			return nil, err
		}
		problem.Cameras = append(problem.Cameras, AdjustmentCamera{
			FrameNumber: entry.FrameNumber,
			K:           entry.K,
			Pose:        entry.Pose,
		})
		for i := range entry.Points3D {
			desc := entry.Descriptors[i]
			initial := entry.Points3D[i]
			best, bestDist := -1, 0
			for id, tr := range tracks {
				if tr.cameras[cam] {
					continue
				}
				if params.MaxDistance > 0 && tr.origin.Distance(initial) > params.MaxDistance {
					continue
				}
				d, err := descriptors.HammingDistance(tr.descriptor, desc)
				if err != nil {
					return nil, err
				}
				if d > params.Radius {
					continue
				}
				if best < 0 || d < bestDist {
					best, bestDist = id, d
				}
			}
			if best < 0 {
				best = len(tracks)
				tracks = append(tracks, &track{descriptor: desc, origin: initial, cameras: map[int]bool{}})
				problem.Tracks = append(problem.Tracks, r3.Vector{})
				counts = append(counts, 0)
			}
			tracks[best].cameras[cam] = true
			problem.Tracks[best] = problem.Tracks[best].Add(initial)
			counts[best]++
			pt := entry.Points2D[i]
			problem.Observations = append(problem.Observations, AdjustmentObservation{
				Key:         ObservationKey{Seq: entry.Seq, Index: i},
				FrameNumber: entry.FrameNumber,
				Camera:      cam,
				Track:       best,
				Pixel:       r2.Point{X: float64(pt.X), Y: float64(pt.Y)},
				Disparity:   entry.Disparities[i],
				Initial:     initial,
				Descriptor:  desc,
			})
		}
	}
	for id, n := range counts {
		problem.Tracks[id] = problem.Tracks[id].Mul(1 / float64(n))
	}
	return problem, nil
}

// NumTracks returns the number of distinct tracks.
func (p *AdjustmentProblem) NumTracks() int {
	return len(p.Tracks)
}
