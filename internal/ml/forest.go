package ml

import (
	"math"
	"math/rand"
)

// Package ml implements the unsupervised anomaly model: an isolation forest
// over standardized feature vectors. Everything here is deterministic for a
// given seed so a persisted model reloads to identical scores.

// treeNode is one node of an isolation tree. Fields are exported so a trained
// forest round-trips through JSON for persistence.
type treeNode struct {
	SplitFeature int       `json:"f,omitempty"`
	SplitValue   float64   `json:"v,omitempty"`
	Left         *treeNode `json:"l,omitempty"`
	Right        *treeNode `json:"r,omitempty"`
	Size         int       `json:"n"`
	Leaf         bool      `json:"leaf,omitempty"`
}

// Forest is an isolation forest. Construct with NewForest and call Fit once;
// Score is then safe for concurrent use.
type Forest struct {
	Trees         []*treeNode `json:"trees"`
	NumTrees      int         `json:"num_trees"`
	SubSampleSize int         `json:"sub_sample_size"`
	MaxDepth      int         `json:"max_depth"`
	Seed          int64       `json:"seed"`

	rng *rand.Rand
}

// NewForest creates an untrained forest. The seed fixes the subsampling and
// split choices so two fits over the same data build identical trees.
func NewForest(numTrees, subSampleSize int, seed int64) *Forest {
	maxDepth := int(math.Ceil(math.Log2(float64(subSampleSize)))) + 1
	if maxDepth < 4 {
		maxDepth = 4
	}
	return &Forest{
		Trees:         make([]*treeNode, 0, numTrees),
		NumTrees:      numTrees,
		SubSampleSize: subSampleSize,
		MaxDepth:      maxDepth,
		Seed:          seed,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Fit builds the trees from the training vectors. Calling Fit again retrains
// from scratch with the same seed.
func (f *Forest) Fit(data [][]float64) {
	if len(data) == 0 {
		return
	}
	f.rng = rand.New(rand.NewSource(f.Seed))
	f.Trees = f.Trees[:0]
	for i := 0; i < f.NumTrees; i++ {
		sample := f.sample(data)
		f.Trees = append(f.Trees, f.buildTree(sample, 0))
	}
}

// Trained reports whether Fit has produced any trees.
func (f *Forest) Trained() bool {
	return len(f.Trees) > 0
}

// Score returns the raw isolation score in (0, 1): 2^(-E[path]/c(n)).
// Higher means more isolated, hence more anomalous. An untrained forest
// returns 0.5, the indifferent midpoint.
func (f *Forest) Score(features []float64) float64 {
	if len(f.Trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, features, 0)
	}
	avg := total / float64(len(f.Trees))
	c := expectedPathLength(f.SubSampleSize)
	if c <= 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

func (f *Forest) sample(data [][]float64) [][]float64 {
	n := f.SubSampleSize
	if n > len(data) {
		n = len(data)
	}
	shuffled := make([][]float64, len(data))
	copy(shuffled, data)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}

func (f *Forest) buildTree(data [][]float64, depth int) *treeNode {
	if len(data) <= 1 || depth >= f.MaxDepth || allIdentical(data) {
		return &treeNode{Size: len(data), Leaf: true}
	}

	feature := f.rng.Intn(len(data[0]))
	minVal, maxVal := featureRange(data, feature)
	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{Size: len(data), Leaf: true}
	}

	return &treeNode{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         f.buildTree(left, depth+1),
		Right:        f.buildTree(right, depth+1),
		Size:         len(data),
	}
}

func pathLength(tree *treeNode, features []float64, depth int) float64 {
	if tree.Leaf {
		return float64(depth) + expectedPathLength(tree.Size)
	}
	if tree.SplitFeature < len(features) && features[tree.SplitFeature] < tree.SplitValue {
		return pathLength(tree.Left, features, depth+1)
	}
	return pathLength(tree.Right, features, depth+1)
}

// expectedPathLength is c(n), the average path length of an unsuccessful
// search in a BST of n nodes: 2H(n-1) - 2(n-1)/n.
func expectedPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func allIdentical(data [][]float64) bool {
	if len(data) <= 1 {
		return true
	}
	first := data[0]
	for i := 1; i < len(data); i++ {
		for j := range first {
			if math.Abs(data[i][j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data {
		v := row[feature]
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal
}
