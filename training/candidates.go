package training

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/sklearn/ensemble"
	"github.com/YuminosukeSato/glucoscreen/sklearn/linear_model"
	"github.com/YuminosukeSato/glucoscreen/sklearn/neighbors"
	"github.com/YuminosukeSato/glucoscreen/sklearn/svm"
	"github.com/YuminosukeSato/glucoscreen/sklearn/tree"
)

// 設定で指定できるアルゴリズム名
const (
	AlgorithmLogisticRegression = "logistic_regression"
	AlgorithmRandomForest       = "random_forest"
	AlgorithmSVM                = "svm"
	AlgorithmDecisionTree       = "decision_tree"
	AlgorithmKNN                = "knn"
)

// Algorithms はサポートするアルゴリズム名を返す
func Algorithms() []string {
	return []string{
		AlgorithmLogisticRegression,
		AlgorithmRandomForest,
		AlgorithmSVM,
		AlgorithmDecisionTree,
		AlgorithmKNN,
	}
}

// DefaultCandidates は既定の 5 候補を設定順に返す
// 乱数を使う推定器には seed を渡す。
func DefaultCandidates(seed int) []pipeline.Spec {
	s := int64(seed)
	return []pipeline.Spec{
		{
			Name: "LogisticRegression",
			NewEstimator: func() model.Estimator {
				return linear_model.NewLogisticRegression(linear_model.WithLRMaxIter(200))
			},
			Scale:       true,
			Probability: true,
		},
		{
			Name: "RandomForest",
			NewEstimator: func() model.Estimator {
				return ensemble.NewRandomForestClassifier(
					ensemble.WithNEstimators(300),
					ensemble.WithRandomState(s),
				)
			},
			Probability: true,
		},
		{
			Name: "SVM",
			NewEstimator: func() model.Estimator {
				return svm.NewSVC(
					svm.WithKernel("rbf"),
					svm.WithC(1.0),
					svm.WithGammaMode("scale"),
					svm.WithProbability(true),
					svm.WithRandomState(s),
				)
			},
			Scale:       true,
			Probability: true,
		},
		{
			Name: "DecisionTree",
			NewEstimator: func() model.Estimator {
				return tree.NewDecisionTreeClassifier(tree.WithRandomState(s))
			},
			Probability: true,
		},
		{
			Name: "KNN",
			NewEstimator: func() model.Estimator {
				return neighbors.NewKNeighborsClassifier(neighbors.WithNNeighbors(7))
			},
			Scale:       true,
			Probability: true,
		},
	}
}

// NewSpec は設定の 1 候補から Spec を作る
// params はアルゴリズムのハイパーパラメータ。未知のキーや型の合わない値は
// ValidationError になる。random_state が省略された場合は seed を使う。
func NewSpec(name, algorithm string, scale bool, params map[string]interface{}, seed int) (pipeline.Spec, error) {
	if name == "" {
		return pipeline.Spec{}, errors.NewValidationError("name", "candidate name must not be empty", name)
	}
	p := paramReader{name: name, values: params, used: map[string]bool{}}

	var (
		ctor        func() model.Estimator
		probability = true
	)
	switch algorithm {
	case AlgorithmLogisticRegression:
		opts := []linear_model.LogisticRegressionOption{linear_model.WithLRMaxIter(p.getInt("max_iter", 100))}
		if v, ok := p.lookup("penalty"); ok {
			opts = append(opts, linear_model.WithLRPenalty(p.getString("penalty", v)))
		}
		if _, ok := p.lookup("C"); ok {
			opts = append(opts, linear_model.WithLRC(p.getFloat("C", 1.0)))
		}
		if _, ok := p.lookup("fit_intercept"); ok {
			opts = append(opts, linear_model.WithLogisticFitIntercept(p.getBool("fit_intercept", true)))
		}
		if v, ok := p.lookup("solver"); ok {
			opts = append(opts, linear_model.WithLRSolver(p.getString("solver", v)))
		}
		if _, ok := p.lookup("tol"); ok {
			opts = append(opts, linear_model.WithLRTol(p.getFloat("tol", 1e-4)))
		}
		ctor = func() model.Estimator { return linear_model.NewLogisticRegression(opts...) }

	case AlgorithmRandomForest:
		opts := []ensemble.Option{
			ensemble.WithNEstimators(p.getInt("n_estimators", 100)),
			ensemble.WithMaxDepth(p.getInt("max_depth", 0)),
			ensemble.WithMinSamplesLeaf(p.getInt("min_samples_leaf", 1)),
			ensemble.WithBootstrap(p.getBool("bootstrap", true)),
			ensemble.WithRandomState(int64(p.getInt("random_state", seed))),
			ensemble.WithNJobs(p.getInt("n_jobs", 0)),
		}
		if v, ok := p.lookup("criterion"); ok {
			opts = append(opts, ensemble.WithCriterion(p.getString("criterion", v)))
		}
		if v, ok := p.lookup("max_features"); ok {
			opts = append(opts, ensemble.WithMaxFeatures(p.getString("max_features", v)))
		}
		ctor = func() model.Estimator { return ensemble.NewRandomForestClassifier(opts...) }

	case AlgorithmSVM:
		probability = p.getBool("probability", true)
		opts := []svm.Option{
			svm.WithC(p.getFloat("C", 1.0)),
			svm.WithProbability(probability),
			svm.WithRandomState(int64(p.getInt("random_state", seed))),
		}
		if v, ok := p.lookup("kernel"); ok {
			opts = append(opts, svm.WithKernel(p.getString("kernel", v)))
		}
		if v, ok := p.lookup("gamma"); ok {
			if s, isString := v.(string); isString && (s == "scale" || s == "auto") {
				p.used["gamma"] = true
				opts = append(opts, svm.WithGammaMode(s))
			} else {
				opts = append(opts, svm.WithGamma(p.getFloat("gamma", 0)))
			}
		}
		if _, ok := p.lookup("tol"); ok {
			opts = append(opts, svm.WithTol(p.getFloat("tol", 1e-3)))
		}
		if _, ok := p.lookup("max_iter"); ok {
			opts = append(opts, svm.WithMaxIter(p.getInt("max_iter", 0)))
		}
		ctor = func() model.Estimator { return svm.NewSVC(opts...) }

	case AlgorithmDecisionTree:
		opts := []tree.Option{
			tree.WithMaxDepth(p.getInt("max_depth", 0)),
			tree.WithMinSamplesSplit(p.getInt("min_samples_split", 2)),
			tree.WithMinSamplesLeaf(p.getInt("min_samples_leaf", 1)),
			tree.WithMaxFeatures(p.getInt("max_features", 0)),
			tree.WithRandomState(int64(p.getInt("random_state", seed))),
		}
		if v, ok := p.lookup("criterion"); ok {
			opts = append(opts, tree.WithCriterion(p.getString("criterion", v)))
		}
		ctor = func() model.Estimator { return tree.NewDecisionTreeClassifier(opts...) }

	case AlgorithmKNN:
		opts := []neighbors.Option{
			neighbors.WithNNeighbors(p.getInt("n_neighbors", 5)),
			neighbors.WithP(p.getFloat("p", 2)),
		}
		if v, ok := p.lookup("weights"); ok {
			opts = append(opts, neighbors.WithWeights(p.getString("weights", v)))
		}
		ctor = func() model.Estimator { return neighbors.NewKNeighborsClassifier(opts...) }

	default:
		return pipeline.Spec{}, errors.NewValidationError("algorithm",
			fmt.Sprintf("unknown algorithm for candidate %q, expected one of %v", name, Algorithms()), algorithm)
	}

	if p.err != nil {
		return pipeline.Spec{}, p.err
	}
	if err := p.checkUnused(); err != nil {
		return pipeline.Spec{}, err
	}
	return pipeline.Spec{Name: name, NewEstimator: ctor, Scale: scale, Probability: probability}, nil
}

// paramReader は設定由来のパラメータを型付きで取り出す
// 最初の型エラーだけを保持する。
type paramReader struct {
	name   string
	values map[string]interface{}
	used   map[string]bool
	err    error
}

func (p *paramReader) lookup(key string) (interface{}, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p *paramReader) fail(key string, v interface{}, want string) {
	if p.err == nil {
		p.err = errors.NewValidationError(key, fmt.Sprintf("candidate %q: expected %s", p.name, want), v)
	}
}

func (p *paramReader) getInt(key string, def int) int {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	p.fail(key, v, "an integer")
	return def
}

func (p *paramReader) getFloat(key string, def float64) float64 {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	p.fail(key, v, "a number")
	return def
}

func (p *paramReader) getBool(key string, def bool) bool {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	p.fail(key, v, "a boolean")
	return def
}

func (p *paramReader) getString(key string, v interface{}) string {
	p.used[key] = true
	s, ok := v.(string)
	if !ok {
		p.fail(key, v, "a string")
	}
	return s
}

func (p *paramReader) checkUnused() error {
	var unknown []string
	for k := range p.values {
		if !p.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return errors.NewValidationError("params",
		fmt.Sprintf("candidate %q: unknown parameters", p.name), unknown)
}
