package training

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/tod/vision/keypoints/descriptors"
)

// MergeInput is one refined observation handed to MergePoints.
type MergeInput struct {
	Key        ObservationKey
	Track      int
	Position   r3.Vector
	Descriptor descriptors.Descriptor
}

// MergedPoint is a unique model point and the observations it was merged from.
type MergedPoint struct {
	Position   r3.Vector
	Descriptor descriptors.Descriptor
	Members    []ObservationKey
}

// MergeParams are the tolerances under which two observations are the same physical point.
type MergeParams struct {
	// Distance is in metres.
	Distance float64
	// DescriptorDistance is in Hamming bits.
	DescriptorDistance int
}

// MergeInputs pairs the observations of an adjustment problem with their refined positions.
func MergeInputs(problem *AdjustmentProblem, result *AdjustmentResult) ([]MergeInput, error) {
	if len(result.Positions) != len(problem.Observations) {
		return nil, errors.Errorf("adjustment returned %d positions for %d observations",
			len(result.Positions), len(problem.Observations))
	}
	return lo.Map(problem.Observations, func(obs AdjustmentObservation, i int) MergeInput {
		return MergeInput{
			Key:        obs.Key,
			Track:      obs.Track,
			Position:   result.Positions[i],
			Descriptor: obs.Descriptor,
		}
	}), nil
}

// unionFind is a disjoint set forest over observation indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri == rj {
		return
	}
	switch {
	case uf.rank[ri] < uf.rank[rj]:
		uf.parent[ri] = rj
	case uf.rank[ri] > uf.rank[rj]:
		uf.parent[rj] = ri
	default:
		uf.parent[rj] = ri
		uf.rank[ri]++
	}
}

// MergePoints groups observations of the same physical point and returns one point per group.
// Two observations are linked when they are within params.Distance of each other and either
// share a track or have descriptors within params.DescriptorDistance; groups are the connected
// components of that relation. A track alone never links observations, so distinct points with
// similar texture stay apart. A group is represented by the centroid of its positions and by
// its medoid descriptor. The output does not depend on the order of the inputs.
func MergePoints(inputs []MergeInput, params MergeParams) ([]MergedPoint, error) {
	if len(inputs) == 0 {
		return []MergedPoint{}, nil
	}
	sorted := append([]MergeInput(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.Less(sorted[j].Key)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Key == sorted[i-1].Key {
			return nil, errors.Errorf("observation %+v is given twice", sorted[i].Key)
		}
	}

	uf := newUnionFind(len(sorted))
	// sweep along x so only candidates within the distance on that axis are compared
	byX := make([]int, len(sorted))
	for i := range byX {
		byX[i] = i
	}
	sort.SliceStable(byX, func(a, b int) bool {
		return sorted[byX[a]].Position.X < sorted[byX[b]].Position.X
	})
	for a := range byX {
		pi := sorted[byX[a]]
		for b := a + 1; b < len(byX); b++ {
			pj := sorted[byX[b]]
			if pj.Position.X-pi.Position.X > params.Distance {
				break
			}
			if pi.Position.Distance(pj.Position) > params.Distance {
				continue
			}
			if pi.Track != pj.Track {
				d, err := descriptors.HammingDistance(pi.Descriptor, pj.Descriptor)
				if err != nil {
					return nil, err
				}
				if d > params.DescriptorDistance {
					continue
				}
			}
			uf.union(byX[a], byX[b])
		}
	}

	groups := map[int][]int{}
	roots := []int{}
	for i := range sorted {
		r := uf.find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}
	// members are appended in key order, so roots are ordered by their lowest key
	sort.Slice(roots, func(a, b int) bool {
		return groups[roots[a]][0] < groups[roots[b]][0]
	})

	merged := make([]MergedPoint, 0, len(roots))
	for _, r := range roots {
		members := groups[r]
		sum := r3.Vector{}
		for _, m := range members {
			sum = sum.Add(sorted[m].Position)
		}
		ranked := append([]int(nil), members...)
		sort.SliceStable(ranked, func(a, b int) bool {
			ia, ib := sorted[ranked[a]], sorted[ranked[b]]
			if ia.Track != ib.Track {
				return ia.Track < ib.Track
			}
			return ia.Key.Less(ib.Key)
		})
		descs := lo.Map(ranked, func(m, _ int) descriptors.Descriptor {
			return sorted[m].Descriptor
		})
		medoid, err := descriptors.Medoid(descs)
		if err != nil {
			return nil, err
		}
		merged = append(merged, MergedPoint{
			Position:   sum.Mul(1 / float64(len(members))),
			Descriptor: append(descriptors.Descriptor(nil), descs[medoid]...),
			Members: lo.Map(members, func(m, _ int) ObservationKey {
				return sorted[m].Key
			}),
		})
	}
	return merged, nil
}
