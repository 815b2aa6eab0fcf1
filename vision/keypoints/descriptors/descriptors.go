// Package descriptors holds binary feature descriptors and the distances between them.
package descriptors

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

type (
	// Descriptor is a binary descriptor packed 64 bits at a time.
	Descriptor []uint64
	// Descriptors is a set of descriptors, typically one per keypoint.
	Descriptors []Descriptor
)

// Bits returns the number of bits held by the descriptor.
func (d Descriptor) Bits() int {
	return 64 * len(d)
}

// Equal returns whether both descriptors hold the same bits.
func (d Descriptor) Equal(other Descriptor) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// HammingDistance returns the number of differing bits between two descriptors of the same length.
func HammingDistance(d1, d2 Descriptor) (int, error) {
	if len(d1) != len(d2) {
		return 0, errors.Errorf("descriptors must have same length, got %d and %d", len(d1), len(d2))
	}
	dist := 0
	for i := range d1 {
		dist += bits.OnesCount64(d1[i] ^ d2[i])
	}
	return dist, nil
}

// DescriptorsHammingDistance computes the pairwise distances between 2 descriptor sets.
// Row i holds the distances of desc1[i] to every descriptor of desc2.
func DescriptorsHammingDistance(desc1, desc2 Descriptors) ([][]int, error) {
	distances := make([][]int, len(desc1))
	for i, d1 := range desc1 {
		row := make([]int, len(desc2))
		for j, d2 := range desc2 {
			d, err := HammingDistance(d1, d2)
			if err != nil {
				return nil, err
			}
			row[j] = d
		}
		distances[i] = row
	}
	return distances, nil
}

// Medoid returns the index of the descriptor with the lowest sum of distances to all the others.
// Ties go to the lowest index. An empty set returns -1.
func Medoid(descs Descriptors) (int, error) {
	if len(descs) == 0 {
		return -1, nil
	}
	distances, err := DescriptorsHammingDistance(descs, descs)
	if err != nil {
		return -1, err
	}
	best, bestSum := 0, -1
	for i, row := range distances {
		sum := 0
		for _, d := range row {
			sum += d
		}
		if bestSum < 0 || sum < bestSum {
			best, bestSum = i, sum
		}
	}
	return best, nil
}

// MarshalDescriptors packs descriptors of equal length into a little endian byte slice.
func MarshalDescriptors(descs Descriptors) ([]byte, int, error) {
	if len(descs) == 0 {
		return nil, 0, nil
	}
	words := len(descs[0])
	out := make([]byte, 0, 8*words*len(descs))
	for i, d := range descs {
		if len(d) != words {
			return nil, 0, errors.Errorf("descriptor %d has %d words, expected %d", i, len(d), words)
		}
		for _, w := range d {
			out = binary.LittleEndian.AppendUint64(out, w)
		}
	}
	return out, words, nil
}

// UnmarshalDescriptors is the inverse of MarshalDescriptors.
func UnmarshalDescriptors(data []byte, words int) (Descriptors, error) {
	if len(data) == 0 {
		return Descriptors{}, nil
	}
	if words <= 0 || len(data)%(8*words) != 0 {
		return nil, errors.Errorf("cannot split %d bytes into descriptors of %d words", len(data), words)
	}
	n := len(data) / (8 * words)
	descs := make(Descriptors, n)
	for i := range descs {
		d := make(Descriptor, words)
		for j := range d {
			off := 8 * (i*words + j)
			d[j] = binary.LittleEndian.Uint64(data[off : off+8])
		}
		descs[i] = d
	}
	return descs, nil
}
