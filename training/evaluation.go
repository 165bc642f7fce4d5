package training

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/metrics"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// EvaluationResult は一つの候補の held-out 評価結果
// JSON は metrics ファイルの all_models 要素と同じ形になる。
type EvaluationResult struct {
	Model     string  `json:"model"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`

	// Report は全クラスの classification report。all_models には出力しない
	Report *metrics.ClassificationReport `json:"-"`

	// AUC と LogLoss は確率出力を宣言した候補のみ計算される
	AUC     float64 `json:"-"`
	LogLoss float64 `json:"-"`
	HasAUC  bool    `json:"-"`
}

// Evaluate は held-out の正解ラベルと予測から評価結果を作る
// 陽性ラベルは 1。ゼロ除算になる指標は 0 になる。
func Evaluate(name string, yTrue, yPred mat.Matrix) (EvaluationResult, error) {
	t, err := metrics.ColumnVector("Evaluate", yTrue)
	if err != nil {
		return EvaluationResult{}, err
	}
	p, err := metrics.ColumnVector("Evaluate", yPred)
	if err != nil {
		return EvaluationResult{}, err
	}

	acc, err := metrics.Accuracy(t, p)
	if err != nil {
		return EvaluationResult{}, err
	}
	cm, err := metrics.BinaryConfusionMatrix(t, p, metrics.PositiveLabel)
	if err != nil {
		return EvaluationResult{}, err
	}
	report, err := metrics.NewClassificationReport(t, p)
	if err != nil {
		return EvaluationResult{}, err
	}

	return EvaluationResult{
		Model:     name,
		Accuracy:  acc,
		Precision: cm.Precision(),
		Recall:    cm.Recall(),
		F1:        cm.F1(),
		Report:    report,
	}, nil
}

// positiveColumn は確率行列から陽性クラスの列を取り出す
func positiveColumn(proba mat.Matrix, classes []float64) (*mat.VecDense, error) {
	for k, c := range classes {
		if c == metrics.PositiveLabel {
			n, _ := proba.Dims()
			v := mat.NewVecDense(n, nil)
			for i := 0; i < n; i++ {
				v.SetVec(i, proba.At(i, k))
			}
			return v, nil
		}
	}
	return nil, errors.NewValueError("positiveColumn", "positive class not among fitted classes")
}

// SelectBest は F1 が厳密に最大の結果の添字を返す
// 同点の場合は先に現れた（設定順で前の）候補が選ばれる。空なら -1。
func SelectBest(results []EvaluationResult) int {
	best := -1
	for i, r := range results {
		if best < 0 || r.F1 > results[best].F1 {
			best = i
		}
	}
	return best
}
