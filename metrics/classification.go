// Package metrics は分類モデルの評価指標を提供する
//
// 二値分類の適合率・再現率・F1 は陽性ラベルを指定して計算する。
// 分母が 0 になる場合（陽性予測が一件も無いなど）は 0 を返す。
package metrics

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// PositiveLabel は二値分類で陽性とみなすラベル
const PositiveLabel = 1.0

func checkPair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	if yTrue == nil || yPred == nil {
		return 0, errors.NewValueError(op, "nil vector")
	}
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// ColumnVector は n×k 行列の先頭列を VecDense として取り出す
func ColumnVector(op string, m mat.Matrix) (*mat.VecDense, error) {
	if m == nil {
		return nil, errors.NewValueError(op, "nil matrix")
	}
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return nil, errors.NewValueError(op, "empty matrix")
	}
	v := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		v.SetVec(i, m.At(i, 0))
	}
	return v, nil
}

// Accuracy は正解率（予測が一致した割合）を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ConfusionMatrix は二値分類の混同行列
type ConfusionMatrix struct {
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TP int `json:"tp"`
}

// BinaryConfusionMatrix は posLabel を陽性として混同行列を数える
func BinaryConfusionMatrix(yTrue, yPred *mat.VecDense, posLabel float64) (ConfusionMatrix, error) {
	n, err := checkPair("BinaryConfusionMatrix", yTrue, yPred)
	if err != nil {
		return ConfusionMatrix{}, err
	}
	var cm ConfusionMatrix
	for i := 0; i < n; i++ {
		actual := yTrue.AtVec(i) == posLabel
		predicted := yPred.AtVec(i) == posLabel
		switch {
		case actual && predicted:
			cm.TP++
		case !actual && predicted:
			cm.FP++
		case actual && !predicted:
			cm.FN++
		default:
			cm.TN++
		}
	}
	return cm, nil
}

// Precision は TP / (TP + FP)。陽性予測が無い場合は 0
func (cm ConfusionMatrix) Precision() float64 {
	return errors.SafeDivide(float64(cm.TP), float64(cm.TP+cm.FP))
}

// Recall は TP / (TP + FN)。実際の陽性が無い場合は 0
func (cm ConfusionMatrix) Recall() float64 {
	return errors.SafeDivide(float64(cm.TP), float64(cm.TP+cm.FN))
}

// F1 は適合率と再現率の調和平均。両方 0 の場合は 0
func (cm ConfusionMatrix) F1() float64 {
	return errors.SafeDivide(float64(2*cm.TP), float64(2*cm.TP+cm.FP+cm.FN))
}

func checkBinaryLabels(op string, y *mat.VecDense) error {
	for i := 0; i < y.Len(); i++ {
		if v := y.AtVec(i); v != 0 && v != 1 {
			return errors.NewValueError(op, "labels must be 0 or 1")
		}
	}
	return nil
}

// AUC はROC曲線下面積を計算する
// 同順位のスコアは 0.5 として数える（Mann-Whitney U 統計量）。
// 片方のクラスしか存在しない場合は未定義のため 0.5 を返す。
func AUC(yTrue, yScore *mat.VecDense) (float64, error) {
	n, err := checkPair("AUC", yTrue, yScore)
	if err != nil {
		return 0, err
	}
	if err := checkBinaryLabels("AUC", yTrue); err != nil {
		return 0, err
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return yScore.AtVec(idx[a]) < yScore.AtVec(idx[b]) })

	// 同順位に平均順位を割り当てて陽性の順位和を求める
	var rankSumPos float64
	var nPos, nNeg int
	for i := 0; i < n; {
		j := i
		for j+1 < n && yScore.AtVec(idx[j+1]) == yScore.AtVec(idx[i]) {
			j++
		}
		avgRank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			if yTrue.AtVec(idx[k]) == 1 {
				rankSumPos += avgRank
				nPos++
			} else {
				nNeg++
			}
		}
		i = j + 1
	}

	if nPos == 0 || nNeg == 0 {
		return 0.5, nil
	}
	u := rankSumPos - float64(nPos*(nPos+1))/2
	return u / float64(nPos*nNeg), nil
}

// BinaryLogLoss は二値交差エントロピーを計算する
// 確率は [eps, 1-eps] にクリップされる。
func BinaryLogLoss(yTrue, yProb *mat.VecDense) (float64, error) {
	n, err := checkPair("BinaryLogLoss", yTrue, yProb)
	if err != nil {
		return 0, err
	}
	if err := checkBinaryLabels("BinaryLogLoss", yTrue); err != nil {
		return 0, err
	}

	const eps = 1e-15
	var sum float64
	for i := 0; i < n; i++ {
		p := errors.ClipValue(yProb.AtVec(i), eps, 1-eps)
		if yTrue.AtVec(i) == 1 {
			sum -= errors.StabilizeLog(p)
		} else {
			sum -= errors.StabilizeLog(1 - p)
		}
	}
	return sum / float64(n), nil
}
