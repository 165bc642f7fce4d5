package training

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/dataset"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
)

// separable は x0 で完全に分離できる 2 特徴量のデータを作る
// クラス 0 は x0 ∈ [0, 1)、クラス 1 は x0 ∈ [5, 6)。
func separable(perClass int) *dataset.Dataset {
	n := 2 * perClass
	X := mat.NewDense(n, 2, nil)
	Y := mat.NewDense(n, 1, nil)
	for i := 0; i < perClass; i++ {
		f := float64(i) / float64(perClass)
		X.SetRow(2*i, []float64{f, float64(i % 3)})
		X.SetRow(2*i+1, []float64{5 + f, float64((i + 1) % 3)})
		Y.Set(2*i+1, 0, 1)
	}
	return &dataset.Dataset{
		Schema: dataset.Schema{Features: []string{"a", "b"}, Target: "y"},
		X:      X,
		Y:      Y,
	}
}

// rule は学習せずに固定規則で予測する推定器
type rule struct {
	predict func(x0 float64) float64
	fitErr  error
	panics  bool
}

func (r *rule) Fit(X, y mat.Matrix) error {
	if r.panics {
		panic("index out of range")
	}
	return r.fitErr
}

func (r *rule) Predict(X mat.Matrix) (mat.Matrix, error) {
	n, _ := X.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, r.predict(X.At(i, 0)))
	}
	return out, nil
}

func threshold(x0 float64) float64 {
	if x0 > 3 {
		return 1
	}
	return 0
}

func alwaysPositive(float64) float64 { return 1 }

func ruleSpec(name string, r rule) pipeline.Spec {
	return pipeline.Spec{
		Name: name,
		NewEstimator: func() model.Estimator {
			c := r
			return &c
		},
	}
}

// calibrated は threshold と同じ予測に固定の確率 0.8 を付ける推定器
type calibrated struct{ rule }

func (c *calibrated) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	n, _ := X.Dims()
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		if threshold(X.At(i, 0)) == 1 {
			out.SetRow(i, []float64{0.2, 0.8})
		} else {
			out.SetRow(i, []float64{0.8, 0.2})
		}
	}
	return out, nil
}

func (c *calibrated) Classes() []float64 { return []float64{0, 1} }

func quietTrainer(opts ...Option) *Trainer {
	logger, _ := log.NewTestLogger(log.LevelWarn)
	return NewTrainer(append([]Option{WithLogger(logger)}, opts...)...)
}

func TestTrainerRun_SelectsGreatestF1(t *testing.T) {
	specs := []pipeline.Spec{
		ruleSpec("A", rule{predict: alwaysPositive}),
		ruleSpec("B", rule{predict: threshold}),
	}

	res, err := quietTrainer().Run(context.Background(), separable(50), specs)
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	assert.Equal(t, "A", res.Results[0].Model)
	assert.Equal(t, "B", res.Results[1].Model)
	// 全件陽性: precision 0.5, recall 1 → F1 = 2/3
	assert.InDelta(t, 2.0/3.0, res.Results[0].F1, 1e-12)
	assert.Equal(t, 1.0, res.Results[1].F1)

	assert.Equal(t, "B", res.BestResult.Model)
	assert.Equal(t, "B", res.Best.Name)
	require.NotNil(t, res.BestResult.Report)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Split.TestIndices, 20)
	assert.Len(t, res.Split.TrainIndices, 80)
}

func TestTrainerRun_TieGoesToFirst(t *testing.T) {
	specs := []pipeline.Spec{
		ruleSpec("first", rule{predict: threshold}),
		ruleSpec("second", rule{predict: threshold}),
	}
	res, err := quietTrainer().Run(context.Background(), separable(30), specs)
	require.NoError(t, err)
	assert.Equal(t, res.Results[0].F1, res.Results[1].F1)
	assert.Equal(t, "first", res.BestResult.Model)
}

func TestSelectBest(t *testing.T) {
	tests := []struct {
		name    string
		results []EvaluationResult
		want    int
	}{
		{"empty", nil, -1},
		{"higher second", []EvaluationResult{{Model: "A", F1: 0.62}, {Model: "B", F1: 0.71}}, 1},
		{"tie", []EvaluationResult{{Model: "A", F1: 0.7}, {Model: "B", F1: 0.7}}, 0},
		{"all zero", []EvaluationResult{{Model: "A"}, {Model: "B"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectBest(tt.results))
		})
	}
}

func TestTrainerRun_FailingCandidatesAreExcluded(t *testing.T) {
	specs := []pipeline.Spec{
		ruleSpec("broken", rule{predict: threshold, fitErr: errors.New("singular matrix")}),
		ruleSpec("panicky", rule{predict: threshold, panics: true}),
		ruleSpec("ok", rule{predict: alwaysPositive}),
		{Name: "unbuildable"},
	}

	logger, _ := log.NewTestLogger(log.LevelInfo)
	res, err := NewTrainer(WithLogger(logger)).Run(context.Background(), separable(30), specs)
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "ok", res.BestResult.Model)

	require.Len(t, res.Failed, 3)
	phases := map[string]string{}
	for _, f := range res.Failed {
		var fe *errors.FitError
		require.True(t, errors.As(f.Err, &fe), "%s: %v", f.Name, f.Err)
		assert.Equal(t, f.Name, fe.Candidate)
		phases[f.Name] = fe.Phase
	}
	assert.Equal(t, map[string]string{"broken": "fit", "panicky": "fit", "unbuildable": "build"}, phases)

	var pe *errors.PanicError
	assert.True(t, errors.As(res.Failed[1].Err, &pe))
	assert.Contains(t, res.Failed[0].Err.Error(), "singular matrix")
	assert.True(t, logger.ContainsMessage("candidate excluded"))
}

func TestTrainerRun_AllCandidatesFail(t *testing.T) {
	specs := []pipeline.Spec{
		ruleSpec("broken", rule{fitErr: errors.New("nope")}),
	}
	_, err := quietTrainer().Run(context.Background(), separable(20), specs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoCandidates), "got %v", err)
	var me *errors.ModelError
	assert.True(t, errors.As(err, &me))
}

func TestTrainerRun_InvalidInput(t *testing.T) {
	ctx := context.Background()
	tr := quietTrainer()
	specs := []pipeline.Spec{ruleSpec("A", rule{predict: threshold})}

	t.Run("no candidates", func(t *testing.T) {
		_, err := tr.Run(ctx, separable(10), nil)
		var ve *errors.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("duplicate names", func(t *testing.T) {
		_, err := tr.Run(ctx, separable(10), append(specs, specs[0]))
		var ve *errors.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("single class", func(t *testing.T) {
		ds := separable(10)
		ds.Y.Zero()
		_, err := tr.Run(ctx, ds, specs)
		var se *errors.SplitError
		assert.True(t, errors.As(err, &se), "got %v", err)
	})

	t.Run("empty dataset", func(t *testing.T) {
		ds := &dataset.Dataset{X: &mat.Dense{}, Y: &mat.Dense{}}
		_, err := tr.Run(ctx, ds, specs)
		var se *errors.SplitError
		assert.True(t, errors.As(err, &se), "got %v", err)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := tr.Run(cctx, separable(10), specs)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTrainerRun_ProbabilityMetrics(t *testing.T) {
	specs := []pipeline.Spec{
		ruleSpec("plain", rule{predict: threshold}),
		{
			Name:         "calibrated",
			Probability:  true,
			NewEstimator: func() model.Estimator { return &calibrated{rule{predict: threshold}} },
		},
	}
	logger, _ := log.NewTestLogger(log.LevelInfo)
	res, err := NewTrainer(WithLogger(logger)).Run(context.Background(), separable(50), specs)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	plain, cal := res.Results[0], res.Results[1]
	assert.False(t, plain.HasAUC)
	assert.Zero(t, plain.LogLoss)

	require.True(t, cal.HasAUC)
	assert.Equal(t, 1.0, cal.AUC)
	// 全件正解で確率 0.8 なので -ln(0.8)
	assert.InDelta(t, -math.Log(0.8), cal.LogLoss, 1e-9)
	assert.True(t, logger.ContainsField(log.LogLossKey, cal.LogLoss))
}

func TestTrainerRun_DefaultCandidates(t *testing.T) {
	if testing.Short() {
		t.Skip("fits the full default candidate list")
	}
	ds := separable(40)

	seq, err := quietTrainer().Run(context.Background(), ds, DefaultCandidates(DefaultRandomSeed))
	require.NoError(t, err)
	require.Len(t, seq.Results, 5)
	require.Empty(t, seq.Failed)

	names := make([]string, len(seq.Results))
	for i, r := range seq.Results {
		names[i] = r.Model
		assert.True(t, r.HasAUC, r.Model)
		assert.False(t, math.IsNaN(r.LogLoss) || math.IsInf(r.LogLoss, 0), r.Model)
		assert.GreaterOrEqual(t, r.LogLoss, 0.0, r.Model)
		assert.Equal(t, 1.0, r.F1, r.Model)
	}
	assert.Equal(t, []string{"LogisticRegression", "RandomForest", "SVM", "DecisionTree", "KNN"}, names)
	// 全候補が F1 = 1 で並ぶので設定順で先頭が選ばれる
	assert.Equal(t, "LogisticRegression", seq.BestResult.Model)
	assert.True(t, seq.Best.Probability)

	par, err := quietTrainer(WithParallel(true)).Run(context.Background(), ds, DefaultCandidates(DefaultRandomSeed))
	require.NoError(t, err)
	assert.Equal(t, seq.Results, par.Results)
	assert.Equal(t, seq.BestResult.Model, par.BestResult.Model)
	assert.Equal(t, seq.Split, par.Split)
}

func TestTrainerRun_Deterministic(t *testing.T) {
	ds := separable(40)
	// 重なりのあるデータにして候補間で差が出るようにする
	for i := 0; i < ds.NSamples(); i += 6 {
		ds.X.Set(i, 0, 5.5)
	}
	specs := []pipeline.Spec{}
	for _, alg := range []string{AlgorithmDecisionTree, AlgorithmKNN} {
		s, err := NewSpec(alg, alg, alg == AlgorithmKNN, nil, 7)
		require.NoError(t, err)
		specs = append(specs, s)
	}

	a, err := quietTrainer(WithRandomSeed(7)).Run(context.Background(), ds, specs)
	require.NoError(t, err)
	b, err := quietTrainer(WithRandomSeed(7)).Run(context.Background(), ds, specs)
	require.NoError(t, err)

	assert.Equal(t, a.Results, b.Results)
	assert.Equal(t, a.Split, b.Split)

	pa, err := a.Best.Predict(ds.X)
	require.NoError(t, err)
	pb, err := b.Best.Predict(ds.X)
	require.NoError(t, err)
	assert.True(t, mat.Equal(pa, pb))
}
