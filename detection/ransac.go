package detection

import (
	"context"
	"image"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/tod/rimage/transform"
)

const (
	// minSamplePixelDistance is how far apart, in pixels, two keypoints of a sample must be.
	minSamplePixelDistance = 20
	sampleSize             = 3
	ransacConfidence       = 0.99
)

// correspondence pairs a query keypoint with a matched model point.
type correspondence struct {
	query    int
	pixel    image.Point
	observed r3.Vector
	model    r3.Vector
}

// bitMatrix is a symmetric boolean matrix.
type bitMatrix struct {
	n     int
	words []uint64
}

func newBitMatrix(n int) *bitMatrix {
	return &bitMatrix{n: n, words: make([]uint64, (n*n+63)/64)}
}

func (b *bitMatrix) set(i, j int) {
	k := i*b.n + j
	b.words[k/64] |= 1 << uint(k%64)
	k = j*b.n + i
	b.words[k/64] |= 1 << uint(k%64)
}

func (b *bitMatrix) test(i, j int) bool {
	k := i*b.n + j
	return b.words[k/64]&(1<<uint(k%64)) != 0
}

type hypothesis struct {
	rotation    *mat.Dense
	translation r3.Vector
	inliers     []int
}

// adjacencyRansac estimates rigid model to camera transforms from the correspondences of one
// object. Two correspondences are physically adjacent when they can belong to the same instance
// of the object, and sample adjacent when they are also far enough apart in the image and agree
// well enough to be drawn in the same minimal sample.
type adjacencyRansac struct {
	corrs           []correspondence
	valid           []bool
	physical        *bitMatrix
	sample          *bitMatrix
	sampleNeighbors [][]int

	sensorError float64
	iterations  int
	minClique   int
	rng         *rand.Rand
}

func newAdjacencyRansac(corrs []correspondence, span, sensorError float64, iterations, minClique int, rng *rand.Rand) *adjacencyRansac {
	n := len(corrs)
	ar := &adjacencyRansac{
		corrs:           corrs,
		valid:           make([]bool, n),
		physical:        newBitMatrix(n),
		sample:          newBitMatrix(n),
		sampleNeighbors: make([][]int, n),
		sensorError:     sensorError,
		iterations:      iterations,
		minClique:       minClique,
		rng:             rng,
	}
	maxQueryDistance := span + 2*sensorError
	for i := range corrs {
		ar.valid[i] = true
		for j := i + 1; j < n; j++ {
			dq := corrs[i].observed.Distance(corrs[j].observed)
			if dq > maxQueryDistance {
				continue
			}
			disagreement := math.Abs(corrs[i].model.Distance(corrs[j].model) - dq)
			if disagreement > 4*sensorError {
				continue
			}
			ar.physical.set(i, j)
			dx := corrs[i].pixel.X - corrs[j].pixel.X
			dy := corrs[i].pixel.Y - corrs[j].pixel.Y
			if dx*dx+dy*dy > minSamplePixelDistance*minSamplePixelDistance && disagreement < 2*sensorError {
				ar.sample.set(i, j)
				ar.sampleNeighbors[i] = append(ar.sampleNeighbors[i], j)
				ar.sampleNeighbors[j] = append(ar.sampleNeighbors[j], i)
			}
		}
	}
	return ar
}

func (ar *adjacencyRansac) validIndices() []int {
	out := []int{}
	for i, ok := range ar.valid {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

// invalidateQueries removes every correspondence of the given query keypoints.
func (ar *adjacencyRansac) invalidateQueries(queries []int) {
	drop := lo.SliceToMap(queries, func(q int) (int, struct{}) { return q, struct{}{} })
	for i, c := range ar.corrs {
		if _, ok := drop[c.query]; ok {
			ar.valid[i] = false
		}
	}
}

// drawSample picks n mutually sample adjacent correspondences of pool, which must be sorted. It
// only fails when no such set exists.
func (ar *adjacencyRansac) drawSample(pool []int, n int) ([]int, bool) {
	if n == 0 {
		return []int{}, true
	}
	pool = append([]int(nil), pool...)
	for len(pool) > 0 {
		k := ar.rng.Intn(len(pool))
		s := pool[k]
		if rest, ok := ar.drawSample(intersectSorted(pool, ar.sampleNeighbors[s]), n-1); ok {
			return append(rest, s), true
		}
		pool = append(pool[:k], pool[k+1:]...)
	}
	return nil, false
}

func intersectSorted(a, b []int) []int {
	out := []int{}
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func (ar *adjacencyRansac) residual2(rot mat.Matrix, t r3.Vector, i int) float64 {
	return transform.Rotate(rot, ar.corrs[i].model).Add(t).Sub(ar.corrs[i].observed).Norm2()
}

func (ar *adjacencyRansac) fit(indices []int) (*mat.Dense, r3.Vector, error) {
	src := make([]r3.Vector, len(indices))
	dst := make([]r3.Vector, len(indices))
	for k, i := range indices {
		src[k] = ar.corrs[i].model
		dst[k] = ar.corrs[i].observed
	}
	return EstimateRigidTransform(src, dst)
}

// consensus returns the inliers of a sample hypothesis, or nil when the hypothesis cannot beat
// atLeast inliers. Inliers must be physically adjacent to every point of the sample and contain a
// clique of minClique sample adjacent correspondences.
func (ar *adjacencyRansac) consensus(rot mat.Matrix, t r3.Vector, sample, valid []int, atLeast int) []int {
	thresh := ar.sensorError * ar.sensorError
	inliers := []int{}
	inSample := 0
	for _, i := range valid {
		if ar.residual2(rot, t, i) >= thresh {
			continue
		}
		if lo.Contains(sample, i) {
			inSample++
			inliers = append(inliers, i)
			continue
		}
		adjacent := true
		for _, s := range sample {
			if !ar.physical.test(i, s) {
				adjacent = false
				break
			}
		}
		if adjacent {
			inliers = append(inliers, i)
		}
	}
	if inSample < len(sample) || len(inliers) <= atLeast {
		return nil
	}
	if !ar.hasClique(inliers) {
		return nil
	}
	return inliers
}

// hasClique reports whether the sample adjacency restricted to nodes holds a clique of at least
// minClique nodes. The search stops at the first clique large enough.
func (ar *adjacencyRansac) hasClique(nodes []int) bool {
	if len(nodes) < ar.minClique {
		return false
	}
	g := simple.NewUndirectedGraph()
	for a := range nodes {
		for b := a + 1; b < len(nodes); b++ {
			if ar.sample.test(nodes[a], nodes[b]) {
				g.SetEdge(g.NewEdge(simple.Node(a), simple.Node(b)))
			}
		}
	}
	if g.Nodes().Len() < ar.minClique {
		return false
	}
	order, _ := topo.DegeneracyOrdering(g)
	position := make(map[int64]int, len(order))
	for i, n := range order {
		position[n.ID()] = i
	}
	for i, n := range order {
		later := []graph.Node{}
		for _, m := range graph.NodesOf(g.From(n.ID())) {
			if position[m.ID()] > i {
				later = append(later, m)
			}
		}
		if extendClique(g, 1, later, ar.minClique) {
			return true
		}
	}
	return false
}

// extendClique reports whether a clique of size nodes, all adjacent to every candidate, can grow
// to k nodes with candidates.
func extendClique(g graph.Undirected, size int, candidates []graph.Node, k int) bool {
	if size >= k {
		return true
	}
	for i, c := range candidates {
		if size+len(candidates)-i < k {
			return false
		}
		next := []graph.Node{}
		for _, other := range candidates[i+1:] {
			if g.HasEdgeBetween(c.ID(), other.ID()) {
				next = append(next, other)
			}
		}
		if extendClique(g, size+1, next, k) {
			return true
		}
	}
	return false
}

// run returns the best hypothesis over the valid correspondences, refined with every extra
// correspondence that agrees with it, or nil when no sample supports a hypothesis.
func (ar *adjacencyRansac) run(ctx context.Context) (*hypothesis, error) {
	valid := ar.validIndices()
	if len(valid) < sampleSize {
		return nil, nil
	}
	pool := lo.Filter(valid, func(i, _ int) bool {
		return len(ar.sampleNeighbors[i]) >= sampleSize-1
	})

	var best *hypothesis
	maxIterations := float64(ar.iterations)
	for it := 0; float64(it) < maxIterations; it++ {
		if it%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sample, ok := ar.drawSample(pool, sampleSize)
		if !ok {
			break
		}
		rot, t, err := ar.fit(sample)
		if err != nil {
			continue
		}
		bestCount := 0
		if best != nil {
			bestCount = len(best.inliers)
		}
		inliers := ar.consensus(rot, t, sample, valid, bestCount)
		if inliers == nil {
			continue
		}
		best = &hypothesis{rotation: rot, translation: t, inliers: inliers}

		w := float64(len(inliers)) / float64(len(valid))
		pNoOutliers := math.Min(math.Max(1-math.Pow(w, sampleSize), 1e-12), 1-1e-12)
		maxIterations = math.Min(float64(ar.iterations), math.Log(1-ransacConfidence)/math.Log(pNoOutliers))
	}
	if best == nil {
		return nil, nil
	}
	ar.refine(best, valid)
	return best, nil
}

// refine refits h on its inliers and adds the correspondences that agree with the refit, until
// none is added. A last pass adds the ones within twice the sensor error.
func (ar *adjacencyRansac) refine(h *hypothesis, valid []int) {
	isInlier := lo.SliceToMap(h.inliers, func(i int) (int, bool) { return i, true })
	thresh := ar.sensorError * ar.sensorError
	final := false
	for {
		if rot, t, err := ar.fit(h.inliers); err == nil {
			h.rotation, h.translation = rot, t
		}
		extra := 0
		for _, i := range valid {
			if isInlier[i] || ar.residual2(h.rotation, h.translation, i) >= thresh {
				continue
			}
			isInlier[i] = true
			h.inliers = append(h.inliers, i)
			extra++
		}
		if final {
			break
		}
		if extra == 0 {
			final = true
			thresh *= 4
		}
	}
	h.inliers = lo.Filter(valid, func(i, _ int) bool { return isInlier[i] })
}

// EstimateRigidTransform returns the rotation R and translation T minimising the squared
// distances between R*src[i]+T and dst[i].
func EstimateRigidTransform(src, dst []r3.Vector) (*mat.Dense, r3.Vector, error) {
	if len(src) != len(dst) {
		return nil, r3.Vector{}, errors.Errorf("got %d source points but %d destination points", len(src), len(dst))
	}
	if len(src) < sampleSize {
		return nil, r3.Vector{}, errors.Errorf("need at least %d points, got %d", sampleSize, len(src))
	}
	if collinear(src) {
		return nil, r3.Vector{}, errors.New("source points are collinear")
	}
	cs := centroid(src)
	cd := centroid(dst)
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return nil, r3.Vector{}, errors.New("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u)*mat.Det(&v) < 0 {
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
	}
	rot := mat.NewDense(3, 3, nil)
	rot.Mul(&v, u.T())
	return rot, cd.Sub(transform.Rotate(rot, cs)), nil
}

func collinear(pts []r3.Vector) bool {
	for i := 1; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if pts[i].Sub(pts[0]).Cross(pts[j].Sub(pts[0])).Norm() > 1e-12 {
				return false
			}
		}
	}
	return true
}

func centroid(pts []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}
