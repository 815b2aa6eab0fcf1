package training

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/rimage/transform"
)

// AdjustmentResult is the outcome of a bundle adjustment. A result that did not converge still
// carries the best estimate found, possibly the initial one.
type AdjustmentResult struct {
	Poses  []*transform.CamPose
	Tracks []r3.Vector
	// Positions is, for every observation, its camera-frame point mapped through the refined pose
	// of its camera.
	Positions []r3.Vector

	Converged    bool
	Iterations   int
	InitialRMS   float64
	RMS          float64
	MedianError  float64
	Observations int
}

// Adjuster refines camera poses and track points of an adjustment problem.
type Adjuster interface {
	Adjust(ctx context.Context, problem *AdjustmentProblem) (*AdjustmentResult, error)
}

// NewAdjuster returns the adjuster named by the training parameters.
func NewAdjuster(params config.TrainingParams, logger logging.Logger) (Adjuster, error) {
	switch params.Adjuster {
	case "none":
		return NoopAdjuster{}, nil
	case "disparity", "":
		return NewDisparityAdjuster(params.MaxIterations, params.DisparityWeight, logger), nil
	default:
		return nil, errors.Errorf("unknown adjuster %q", params.Adjuster)
	}
}

// NoopAdjuster returns the initial estimates unchanged.
type NoopAdjuster struct{}

// Adjust implements Adjuster.
func (NoopAdjuster) Adjust(ctx context.Context, problem *AdjustmentProblem) (*AdjustmentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	poses := initialPoses(problem)
	res := &AdjustmentResult{
		Poses:        poses,
		Tracks:       append([]r3.Vector(nil), problem.Tracks...),
		Positions:    make([]r3.Vector, len(problem.Observations)),
		Converged:    true,
		Observations: len(problem.Observations),
	}
	for i, obs := range problem.Observations {
		res.Positions[i] = obs.Initial
	}
	rms, median, err := reprojectionStats(problem, poses, res.Tracks)
	if err != nil {
		return nil, err
	}
	res.InitialRMS, res.RMS, res.MedianError = rms, rms, median
	return res, nil
}

// DisparityAdjuster is a sparse bundle adjustment over camera poses and track points. Every
// observation contributes its pixel reprojection error and the weighted difference between its
// measured and predicted disparity. The first camera is held fixed.
type DisparityAdjuster struct {
	MaxIterations   int
	DisparityWeight float64
	logger          logging.Logger
}

// NewDisparityAdjuster returns a DisparityAdjuster.
func NewDisparityAdjuster(maxIterations int, disparityWeight float64, logger logging.Logger) *DisparityAdjuster {
	return &DisparityAdjuster{
		MaxIterations:   maxIterations,
		DisparityWeight: disparityWeight,
		logger:          logger,
	}
}

const (
	minCameraDepth   = 1e-6
	jacobianStep     = 1e-6
	cameraParameters = 6
)

// bundle holds the adjustment problem laid out for the optimizer: the parameters of cameras
// 1..n-1 (axis-angle, translation) followed by the track points.
type bundle struct {
	problem  *AdjustmentProblem
	weight   float64
	fixed    *transform.CamPose
	byCamera [][]int
	nCamera  int
}

func newBundle(problem *AdjustmentProblem, weight float64) *bundle {
	b := &bundle{
		problem:  problem,
		weight:   weight,
		fixed:    problem.Cameras[0].Pose,
		byCamera: make([][]int, len(problem.Cameras)),
		nCamera:  cameraParameters * (len(problem.Cameras) - 1),
	}
	for i, obs := range problem.Observations {
		b.byCamera[obs.Camera] = append(b.byCamera[obs.Camera], i)
	}
	return b
}

func (b *bundle) initial() []float64 {
	x := make([]float64, b.nCamera+3*len(b.problem.Tracks))
	for c := 1; c < len(b.problem.Cameras); c++ {
		pose := b.problem.Cameras[c].Pose
		aa := transform.RotationMatrixToAxisAngle(pose.Rotation)
		t := pose.Translation
		copy(x[cameraParameters*(c-1):], []float64{aa.X, aa.Y, aa.Z, t.X, t.Y, t.Z})
	}
	for i, p := range b.problem.Tracks {
		copy(x[b.nCamera+3*i:], []float64{p.X, p.Y, p.Z})
	}
	return x
}

func poseFromParameters(params []float64) *transform.CamPose {
	return &transform.CamPose{
		Rotation:    transform.AxisAngleToRotationMatrix(r3.Vector{X: params[0], Y: params[1], Z: params[2]}),
		Translation: r3.Vector{X: params[3], Y: params[4], Z: params[5]},
	}
}

func (b *bundle) pose(x []float64, c int) *transform.CamPose {
	if c == 0 {
		return b.fixed
	}
	off := cameraParameters * (c - 1)
	return poseFromParameters(x[off : off+cameraParameters])
}

func (b *bundle) point(x []float64, t int) r3.Vector {
	off := b.nCamera + 3*t
	return r3.Vector{X: x[off], Y: x[off+1], Z: x[off+2]}
}

func (b *bundle) residuals(obs *AdjustmentObservation, pose *transform.CamPose, p r3.Vector) [3]float64 {
	k := b.problem.Cameras[obs.Camera].K
	pc := pose.ToCamera(p)
	z := math.Max(pc.Z, minCameraDepth)
	return [3]float64{
		k.Fx*pc.X/z + k.Ppx - obs.Pixel.X,
		k.Fy*pc.Y/z + k.Ppy - obs.Pixel.Y,
		b.weight * (1/z - obs.Disparity),
	}
}

func squaredNorm(r [3]float64) float64 {
	return r[0]*r[0] + r[1]*r[1] + r[2]*r[2]
}

func (b *bundle) cost(x []float64) float64 {
	sum := 0.
	for c, idxs := range b.byCamera {
		if len(idxs) == 0 {
			continue
		}
		pose := b.pose(x, c)
		for _, i := range idxs {
			obs := &b.problem.Observations[i]
			sum += squaredNorm(b.residuals(obs, pose, b.point(x, obs.Track)))
		}
	}
	return sum / 2
}

// grad assembles the gradient of cost from per-observation Jacobian blocks obtained by central
// differences.
func (b *bundle) grad(grad, x []float64) {
	for i := range grad {
		grad[i] = 0
	}
	params := make([]float64, cameraParameters)
	for c, idxs := range b.byCamera {
		if len(idxs) == 0 {
			continue
		}
		pose := b.pose(x, c)
		var plus, minus [cameraParameters]*transform.CamPose
		if c > 0 {
			off := cameraParameters * (c - 1)
			for j := 0; j < cameraParameters; j++ {
				copy(params, x[off:off+cameraParameters])
				params[j] += jacobianStep
				plus[j] = poseFromParameters(params)
				params[j] -= 2 * jacobianStep
				minus[j] = poseFromParameters(params)
			}
		}
		for _, i := range idxs {
			obs := &b.problem.Observations[i]
			p := b.point(x, obs.Track)
			r := b.residuals(obs, pose, p)
			pOff := b.nCamera + 3*obs.Track
			for j := 0; j < 3; j++ {
				dp := r3.Vector{}
				switch j {
				case 0:
					dp.X = jacobianStep
				case 1:
					dp.Y = jacobianStep
				default:
					dp.Z = jacobianStep
				}
				rp := b.residuals(obs, pose, p.Add(dp))
				rm := b.residuals(obs, pose, p.Sub(dp))
				grad[pOff+j] += jacobianDot(r, rp, rm)
			}
			if c == 0 {
				continue
			}
			cOff := cameraParameters * (c - 1)
			for j := 0; j < cameraParameters; j++ {
				rp := b.residuals(obs, plus[j], p)
				rm := b.residuals(obs, minus[j], p)
				grad[cOff+j] += jacobianDot(r, rp, rm)
			}
		}
	}
}

// jacobianDot returns r . dr/dx from the residuals at x+h and x-h.
func jacobianDot(r, rp, rm [3]float64) float64 {
	sum := 0.
	for k := 0; k < 3; k++ {
		sum += r[k] * (rp[k] - rm[k]) / (2 * jacobianStep)
	}
	return sum
}

// Adjust implements Adjuster.
func (a *DisparityAdjuster) Adjust(ctx context.Context, problem *AdjustmentProblem) (*AdjustmentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(problem.Observations) == 0 || len(problem.Cameras) == 0 {
		return NoopAdjuster{}.Adjust(ctx, problem)
	}
	b := newBundle(problem, a.DisparityWeight)
	x0 := b.initial()
	initialCost := b.cost(x0)

	settings := &optimize.Settings{
		MajorIterations: a.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 20,
		},
	}
	optProblem := optimize.Problem{
		Func: b.cost,
		Grad: b.grad,
	}
	best := x0
	converged, iterations := false, 0
	result, err := optimize.Minimize(optProblem, x0, settings, &optimize.LBFGS{})
	switch {
	case result == nil:
		a.logger.Warnw("bundle adjustment failed, keeping initial estimates", "error", err)
	case math.IsNaN(result.F) || result.F > initialCost:
		a.logger.Warnw("bundle adjustment did not improve, keeping initial estimates",
			"initial_cost", initialCost, "cost", result.F, "error", err)
		iterations = result.MajorIterations
	default:
		best = result.X
		iterations = result.MajorIterations
		converged = err == nil && !result.Status.Early()
		if !converged {
			a.logger.Warnw("bundle adjustment did not converge", "status", result.Status.String(), "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &AdjustmentResult{
		Poses:        make([]*transform.CamPose, len(problem.Cameras)),
		Tracks:       make([]r3.Vector, len(problem.Tracks)),
		Positions:    make([]r3.Vector, len(problem.Observations)),
		Converged:    converged,
		Iterations:   iterations,
		Observations: len(problem.Observations),
	}
	for c := range problem.Cameras {
		res.Poses[c] = b.pose(best, c)
	}
	for t := range problem.Tracks {
		res.Tracks[t] = b.point(best, t)
	}
	for i, obs := range problem.Observations {
		res.Positions[i] = observationPosition(problem, &obs, res.Poses[obs.Camera])
	}
	if res.InitialRMS, _, err = reprojectionStats(problem, initialPoses(problem), problem.Tracks); err != nil {
		return nil, err
	}
	if res.RMS, res.MedianError, err = reprojectionStats(problem, res.Poses, res.Tracks); err != nil {
		return nil, err
	}
	a.logger.Debugw("bundle adjustment done",
		"cameras", len(problem.Cameras),
		"tracks", len(problem.Tracks),
		"observations", len(problem.Observations),
		"iterations", iterations,
		"converged", converged,
		"initial_rms", res.InitialRMS,
		"rms", res.RMS,
	)
	return res, nil
}

func initialPoses(problem *AdjustmentProblem) []*transform.CamPose {
	poses := make([]*transform.CamPose, len(problem.Cameras))
	for c, cam := range problem.Cameras {
		poses[c] = cam.Pose
	}
	return poses
}

// observationPosition back-projects an observation with its measured disparity and maps it
// through the given pose.
func observationPosition(problem *AdjustmentProblem, obs *AdjustmentObservation, pose *transform.CamPose) r3.Vector {
	if obs.Disparity <= 0 {
		return obs.Initial
	}
	k := problem.Cameras[obs.Camera].K
	return pose.ToWorld(k.ImagePointTo3DPoint(obs.Pixel, 1/obs.Disparity))
}

// reprojectionStats returns the RMS and median pixel reprojection error of the tracks.
func reprojectionStats(problem *AdjustmentProblem, poses []*transform.CamPose, tracks []r3.Vector) (float64, float64, error) {
	if len(problem.Observations) == 0 {
		return 0, 0, nil
	}
	errs := make(stats.Float64Data, len(problem.Observations))
	squared := make(stats.Float64Data, len(problem.Observations))
	for i, obs := range problem.Observations {
		k := problem.Cameras[obs.Camera].K
		pc := poses[obs.Camera].ToCamera(tracks[obs.Track])
		px, ok := k.PointToPixel(pc.X, pc.Y, pc.Z)
		if !ok {
			px = r2.Point{X: math.Inf(1), Y: math.Inf(1)}
		}
		errs[i] = px.Sub(obs.Pixel).Norm()
		squared[i] = errs[i] * errs[i]
	}
	meanSquared, err := stats.Mean(squared)
	if err != nil {
		return 0, 0, errors.Wrap(err, "cannot compute reprojection error")
	}
	median, err := stats.Median(errs)
	if err != nil {
		return 0, 0, errors.Wrap(err, "cannot compute reprojection error")
	}
	return math.Sqrt(meanSquared), median, nil
}
