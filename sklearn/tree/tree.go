// Package tree implements CART decision trees for classification.
package tree

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// Node is one node of a fitted tree. Nodes are stored in a flat slice and
// reference their children by index, which keeps the tree gob-friendly.
type Node struct {
	Leaf      bool
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Impurity  float64
	Samples   int

	// Value holds the class fractions of the training samples in this node,
	// in the order of Classes().
	Value []float64
}

// DecisionTreeClassifier is a CART classifier compatible with scikit-learn's
// DecisionTreeClassifier. Samples go left when x[feature] <= threshold.
type DecisionTreeClassifier struct {
	State *model.StateManager

	// Hyperparameters
	Criterion       string // "gini" or "entropy"
	MaxDepth        int    // 0 means unlimited
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int // features examined per split, 0 means all
	RandomState     int64

	// Learned structure
	Nodes              []Node
	ClassLabels        []float64
	FeatureImportances []float64
}

// Option is a functional option for DecisionTreeClassifier
type Option func(*DecisionTreeClassifier)

// NewDecisionTreeClassifier creates a new DecisionTreeClassifier
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		State:           model.NewStateManager(),
		Criterion:       "gini",
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

// WithCriterion sets the impurity criterion ("gini" or "entropy")
func WithCriterion(criterion string) Option {
	return func(dt *DecisionTreeClassifier) {
		dt.Criterion = criterion
	}
}

// WithMaxDepth limits the depth of the tree. 0 leaves it unlimited.
func WithMaxDepth(depth int) Option {
	return func(dt *DecisionTreeClassifier) {
		dt.MaxDepth = depth
	}
}

// WithMinSamplesSplit sets the minimum number of samples required to split a node
func WithMinSamplesSplit(n int) Option {
	return func(dt *DecisionTreeClassifier) {
		dt.MinSamplesSplit = n
	}
}

// WithMinSamplesLeaf sets the minimum number of samples in each leaf
func WithMinSamplesLeaf(n int) Option {
	return func(dt *DecisionTreeClassifier) {
		dt.MinSamplesLeaf = n
	}
}

// WithMaxFeatures sets how many randomly chosen features are examined per split
func WithMaxFeatures(n int) Option {
	return func(dt *DecisionTreeClassifier) {
		dt.MaxFeatures = n
	}
}

// WithRandomState sets the seed used to order candidate features
func WithRandomState(seed int64) Option {
	return func(dt *DecisionTreeClassifier) {
		dt.RandomState = seed
	}
}

func (dt *DecisionTreeClassifier) validate() error {
	switch dt.Criterion {
	case "gini", "entropy":
	default:
		return errors.NewValidationError("criterion", "must be 'gini' or 'entropy'", dt.Criterion)
	}
	if dt.MaxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0", dt.MaxDepth)
	}
	if dt.MinSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be >= 2", dt.MinSamplesSplit)
	}
	if dt.MinSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be >= 1", dt.MinSamplesLeaf)
	}
	if dt.MaxFeatures < 0 {
		return errors.NewValidationError("max_features", "must be >= 0", dt.MaxFeatures)
	}
	return nil
}

// Fit builds the tree from the training data
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	nSamples, _, err := model.CheckXY("DecisionTreeClassifier.Fit", X, y)
	if err != nil {
		return err
	}

	classes := model.UniqueLabels(y)
	yIdx := EncodeLabels(y, classes)
	sample := make([]int, nSamples)
	for i := range sample {
		sample[i] = i
	}
	return dt.FitSample(X, yIdx, classes, sample)
}

// EncodeLabels maps every label of y to its index in classes
func EncodeLabels(y mat.Matrix, classes []float64) []int {
	n, _ := y.Dims()
	lookup := make(map[float64]int, len(classes))
	for i, c := range classes {
		lookup[c] = i
	}
	yIdx := make([]int, n)
	for i := 0; i < n; i++ {
		yIdx[i] = lookup[y.At(i, 0)]
	}
	return yIdx
}

// FitSample builds the tree from the rows of X listed in sample. Rows may be
// repeated, as in a bootstrap draw. yIdx holds the class index of every row of
// X and classes fixes the column order of PredictProba, so trees grown on
// different samples of the same data agree on it.
func (dt *DecisionTreeClassifier) FitSample(X mat.Matrix, yIdx []int, classes []float64, sample []int) error {
	if err := dt.validate(); err != nil {
		return err
	}
	nRows, nFeatures := X.Dims()
	if len(sample) == 0 || nFeatures == 0 {
		return errors.NewModelError("DecisionTreeClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if len(yIdx) != nRows {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", nRows, len(yIdx), 0)
	}
	if dt.State == nil {
		dt.State = model.NewStateManager()
	}
	dt.State.Reset()

	b := &builder{
		tree:       dt,
		x:          denseRows(X),
		nFeatures:  nFeatures,
		y:          yIdx,
		nClasses:   len(classes),
		rng:        rand.New(rand.NewPCG(uint64(dt.RandomState), uint64(dt.RandomState))),
		importance: make([]float64, nFeatures),
	}
	b.maxFeatures = dt.MaxFeatures
	if b.maxFeatures == 0 || b.maxFeatures > nFeatures {
		b.maxFeatures = nFeatures
	}

	dt.ClassLabels = append([]float64(nil), classes...)
	dt.Nodes = dt.Nodes[:0]
	rows := append([]int(nil), sample...)
	b.build(rows, 0)

	total := 0.0
	for _, v := range b.importance {
		total += v
	}
	dt.FeatureImportances = make([]float64, nFeatures)
	for j, v := range b.importance {
		dt.FeatureImportances[j] = errors.SafeDivide(v, total)
	}

	dt.State.SetDimensions(nFeatures, len(sample))
	dt.State.SetFitted()
	return nil
}

// denseRows returns X as a row-major slice
func denseRows(X mat.Matrix) []float64 {
	r, c := X.Dims()
	if d, ok := X.(*mat.Dense); ok {
		raw := d.RawMatrix()
		if raw.Stride == c {
			return raw.Data[:r*c]
		}
	}
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[i*c+j] = X.At(i, j)
		}
	}
	return data
}

type builder struct {
	tree        *DecisionTreeClassifier
	x           []float64
	nFeatures   int
	y           []int
	nClasses    int
	maxFeatures int
	rng         *rand.Rand
	importance  []float64
}

type split struct {
	feature   int
	threshold float64
	pos       int // rows[:pos] go left after sorting by feature
	impurity  float64
	leftImp   float64
	rightImp  float64
}

func (b *builder) counts(rows []int) []float64 {
	c := make([]float64, b.nClasses)
	for _, r := range rows {
		c[b.y[r]]++
	}
	return c
}

func (b *builder) impurity(counts []float64, n float64) float64 {
	if n == 0 {
		return 0
	}
	if b.tree.Criterion == "entropy" {
		h := 0.0
		for _, c := range counts {
			if c > 0 {
				p := c / n
				h -= p * math.Log2(p)
			}
		}
		return h
	}
	g := 1.0
	for _, c := range counts {
		p := c / n
		g -= p * p
	}
	return g
}

// build grows the subtree for rows and returns the index of its root node
func (b *builder) build(rows []int, depth int) int {
	dt := b.tree
	counts := b.counts(rows)
	n := float64(len(rows))
	imp := b.impurity(counts, n)

	value := make([]float64, b.nClasses)
	for k, c := range counts {
		value[k] = c / n
	}
	id := len(dt.Nodes)
	dt.Nodes = append(dt.Nodes, Node{Leaf: true, Impurity: imp, Samples: len(rows), Value: value})

	if imp <= 1e-12 ||
		(dt.MaxDepth > 0 && depth >= dt.MaxDepth) ||
		len(rows) < dt.MinSamplesSplit ||
		len(rows) < 2*dt.MinSamplesLeaf {
		return id
	}

	best, ok := b.bestSplit(rows)
	if !ok {
		return id
	}

	// reorder rows by the chosen feature so the split position is valid
	b.sortByFeature(rows, best.feature)
	left := append([]int(nil), rows[:best.pos]...)
	right := append([]int(nil), rows[best.pos:]...)

	nl, nr := float64(len(left)), float64(len(right))
	b.importance[best.feature] += n*imp - nl*best.leftImp - nr*best.rightImp

	leftID := b.build(left, depth+1)
	rightID := b.build(right, depth+1)

	node := &dt.Nodes[id]
	node.Leaf = false
	node.Feature = best.feature
	node.Threshold = best.threshold
	node.Left = leftID
	node.Right = rightID
	return id
}

func (b *builder) value(row, feature int) float64 {
	return b.x[row*b.nFeatures+feature]
}

func (b *builder) sortByFeature(rows []int, feature int) {
	sort.SliceStable(rows, func(i, j int) bool {
		return b.value(rows[i], feature) < b.value(rows[j], feature)
	})
}

// bestSplit examines up to maxFeatures non-constant features in random order
// and returns the split with the lowest weighted child impurity. Constant
// features do not count towards the limit.
func (b *builder) bestSplit(rows []int) (split, bool) {
	features := b.rng.Perm(b.nFeatures)
	minLeaf := b.tree.MinSamplesLeaf
	n := float64(len(rows))

	best := split{impurity: math.Inf(1)}
	found := false
	visited := 0
	sorted := make([]int, len(rows))

	for _, f := range features {
		if visited >= b.maxFeatures {
			break
		}
		copy(sorted, rows)
		b.sortByFeature(sorted, f)
		if b.value(sorted[len(sorted)-1], f) <= b.value(sorted[0], f) {
			continue
		}
		visited++

		leftCounts := make([]float64, b.nClasses)
		rightCounts := b.counts(sorted)
		for i := 0; i < len(sorted)-1; i++ {
			k := b.y[sorted[i]]
			leftCounts[k]++
			rightCounts[k]--

			nl := i + 1
			nr := len(sorted) - nl
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			lo, hi := b.value(sorted[i], f), b.value(sorted[i+1], f)
			if hi <= lo {
				continue
			}
			li := b.impurity(leftCounts, float64(nl))
			ri := b.impurity(rightCounts, float64(nr))
			weighted := (float64(nl)*li + float64(nr)*ri) / n
			if weighted < best.impurity {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = split{feature: f, threshold: threshold, pos: nl, impurity: weighted, leftImp: li, rightImp: ri}
				found = true
			}
		}
	}
	return best, found
}

// leaf returns the leaf reached by the given row
func (dt *DecisionTreeClassifier) leaf(X mat.Matrix, i int) *Node {
	node := &dt.Nodes[0]
	for !node.Leaf {
		if X.At(i, node.Feature) <= node.Threshold {
			node = &dt.Nodes[node.Left]
		} else {
			node = &dt.Nodes[node.Right]
		}
	}
	return node
}

func (dt *DecisionTreeClassifier) checkPredict(method string, X mat.Matrix) error {
	if err := dt.State.RequireFitted("DecisionTreeClassifier", method); err != nil {
		return err
	}
	_, c := X.Dims()
	return dt.State.CheckFeatures("DecisionTreeClassifier."+method, c)
}

// PredictProba returns the class fractions of the leaf each sample falls into
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.checkPredict("PredictProba", X); err != nil {
		return nil, err
	}
	nSamples, _ := X.Dims()
	proba := mat.NewDense(nSamples, len(dt.ClassLabels), nil)
	for i := 0; i < nSamples; i++ {
		proba.SetRow(i, dt.leaf(X, i).Value)
	}
	return proba, nil
}

// Predict returns the majority class of each sample's leaf. Ties go to the
// smaller class label.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.checkPredict("Predict", X); err != nil {
		return nil, err
	}
	nSamples, _ := X.Dims()
	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		predictions.Set(i, 0, dt.ClassLabels[argmax(dt.leaf(X, i).Value)])
	}
	return predictions, nil
}

func argmax(values []float64) int {
	best := 0
	for k := 1; k < len(values); k++ {
		if values[k] > values[best] {
			best = k
		}
	}
	return best
}

// Score returns the mean accuracy on the given data. It returns 0 when the
// model cannot predict X.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	predictions, err := dt.Predict(X)
	if err != nil {
		return 0
	}
	n, _ := X.Dims()
	correct := 0
	for i := 0; i < n; i++ {
		if predictions.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return errors.SafeDivide(float64(correct), float64(n))
}

// Classes returns the class labels in PredictProba column order
func (dt *DecisionTreeClassifier) Classes() []float64 {
	return dt.ClassLabels
}

// GetFeatureImportances returns the normalized total impurity decrease per feature
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return dt.FeatureImportances
}

// GetDepth returns the depth of the deepest leaf. A single-leaf tree has depth 0.
func (dt *DecisionTreeClassifier) GetDepth() int {
	if len(dt.Nodes) == 0 {
		return 0
	}
	var walk func(id, depth int) int
	walk = func(id, depth int) int {
		node := dt.Nodes[id]
		if node.Leaf {
			return depth
		}
		return max(walk(node.Left, depth+1), walk(node.Right, depth+1))
	}
	return walk(0, 0)
}

// GetNLeaves returns the number of leaves
func (dt *DecisionTreeClassifier) GetNLeaves() int {
	leaves := 0
	for _, node := range dt.Nodes {
		if node.Leaf {
			leaves++
		}
	}
	return leaves
}

// GetParams returns the model hyperparameters
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.Criterion,
		"max_depth":         dt.MaxDepth,
		"min_samples_split": dt.MinSamplesSplit,
		"min_samples_leaf":  dt.MinSamplesLeaf,
		"max_features":      dt.MaxFeatures,
		"random_state":      dt.RandomState,
	}
}

// SetParams sets the model hyperparameters
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "criterion":
			v, ok := value.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", value)
			}
			dt.Criterion = v
		case "max_depth", "min_samples_split", "min_samples_leaf", "max_features":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			switch key {
			case "max_depth":
				dt.MaxDepth = v
			case "min_samples_split":
				dt.MinSamplesSplit = v
			case "min_samples_leaf":
				dt.MinSamplesLeaf = v
			default:
				dt.MaxFeatures = v
			}
		case "random_state":
			switch v := value.(type) {
			case int:
				dt.RandomState = int64(v)
			case int64:
				dt.RandomState = v
			default:
				return errors.NewValidationError(key, "must be an integer", value)
			}
		default:
			return errors.NewValidationError(key, "unknown parameter for DecisionTreeClassifier", value)
		}
	}
	return dt.validate()
}
