// Package model_selection splits labelled data into training and held-out
// folds while preserving class proportions.
package model_selection

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// Split holds row indices of the training and held-out folds, each sorted
// ascending.
type Split struct {
	TrainIndices []int
	TestIndices  []int
}

// StratifiedTrainTestSplit partitions the rows of y (n×1) into a training and
// a held-out fold. The held-out fold has ceil(n*testSize) rows, allocated to
// classes in proportion to their frequency (largest remainder first, ties by
// ascending label). Rows within a class are chosen by a PCG generator seeded
// with randomSeed, so identical inputs always yield identical folds.
//
// A SplitError is returned for an empty y, fewer than two classes, a class
// with a single member, or a testSize that leaves either fold smaller than the
// number of classes.
func StratifiedTrainTestSplit(y mat.Matrix, testSize float64, randomSeed int) (Split, error) {
	if testSize <= 0 || testSize >= 1 || math.IsNaN(testSize) {
		return Split{}, errors.NewValidationError("test_size", "must be in (0, 1)", testSize)
	}

	n := 0
	if y != nil {
		n, _ = y.Dims()
	}
	if n == 0 {
		return Split{}, errors.NewSplitError(0, nil, "empty dataset")
	}

	classIndices := make(map[float64][]int)
	for i := 0; i < n; i++ {
		label := y.At(i, 0)
		classIndices[label] = append(classIndices[label], i)
	}
	counts := make(map[float64]int, len(classIndices))
	labels := make([]float64, 0, len(classIndices))
	for label, idx := range classIndices {
		counts[label] = len(idx)
		labels = append(labels, label)
	}
	sort.Float64s(labels)

	if len(labels) < 2 {
		return Split{}, errors.NewSplitError(n, counts, "need at least two classes")
	}
	for _, label := range labels {
		if counts[label] < 2 {
			return Split{}, errors.NewSplitError(n, counts, "every class needs at least two members")
		}
	}

	nTest := int(math.Ceil(float64(n) * testSize))
	nTrain := n - nTest
	if nTest < len(labels) || nTrain < len(labels) {
		return Split{}, errors.NewSplitError(n, counts, "test_size leaves a fold smaller than the number of classes")
	}

	alloc := allocate(labels, counts, n, nTest)

	// ラベル順に固定した乱数列を消費する
	r := rand.New(rand.NewPCG(uint64(randomSeed), uint64(randomSeed)))
	split := Split{
		TrainIndices: make([]int, 0, nTrain),
		TestIndices:  make([]int, 0, nTest),
	}
	for _, label := range labels {
		indices := append([]int(nil), classIndices[label]...)
		r.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		k := alloc[label]
		split.TestIndices = append(split.TestIndices, indices[:k]...)
		split.TrainIndices = append(split.TrainIndices, indices[k:]...)
	}
	sort.Ints(split.TrainIndices)
	sort.Ints(split.TestIndices)

	return split, nil
}

// allocate distributes nTest held-out rows over classes by the largest
// remainder method. Each class keeps at least one training row.
func allocate(labels []float64, counts map[float64]int, n, nTest int) map[float64]int {
	type share struct {
		label     float64
		remainder float64
	}

	alloc := make(map[float64]int, len(labels))
	shares := make([]share, 0, len(labels))
	assigned := 0
	for _, label := range labels {
		exact := float64(nTest) * float64(counts[label]) / float64(n)
		floor := int(math.Floor(exact))
		if floor > counts[label]-1 {
			floor = counts[label] - 1
		}
		alloc[label] = floor
		assigned += floor
		shares = append(shares, share{label: label, remainder: exact - float64(floor)})
	}

	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].remainder > shares[j].remainder
	})
	for assigned < nTest {
		progressed := false
		for _, s := range shares {
			if assigned == nTest {
				break
			}
			if alloc[s.label] < counts[s.label]-1 {
				alloc[s.label]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return alloc
}
