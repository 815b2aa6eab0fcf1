package keypoints

import (
	"sort"

	"go.viam.com/tod/vision/keypoints/descriptors"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	// K is the number of neighbors kept per query descriptor, 0 keeps them all.
	K int `json:"knn"`
	// MaxDist is the largest Hamming distance of a match, negative disables the check.
	MaxDist int `json:"max_dist"`
}

// DescriptorMatch contains the index of a match in the first and second set of descriptors.
type DescriptorMatch struct {
	Idx1     int
	Idx2     int
	Distance int
}

// KNNMatch returns, for every descriptor of desc1, its nearest descriptors in desc2 sorted by
// increasing distance, ties by increasing index in desc2.
func KNNMatch(desc1, desc2 descriptors.Descriptors, cfg *MatchingConfig) ([][]DescriptorMatch, error) {
	distances, err := descriptors.DescriptorsHammingDistance(desc1, desc2)
	if err != nil {
		return nil, err
	}
	matches := make([][]DescriptorMatch, len(desc1))
	for i, row := range distances {
		candidates := make([]DescriptorMatch, 0, len(row))
		for j, d := range row {
			if cfg.MaxDist >= 0 && d > cfg.MaxDist {
				continue
			}
			candidates = append(candidates, DescriptorMatch{Idx1: i, Idx2: j, Distance: d})
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].Distance < candidates[b].Distance
		})
		if cfg.K > 0 && len(candidates) > cfg.K {
			candidates = candidates[:cfg.K]
		}
		matches[i] = candidates
	}
	return matches, nil
}
