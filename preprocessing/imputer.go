package preprocessing

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// StrategyMedian は列の中央値で補完する戦略
const StrategyMedian = "median"

// SimpleImputer は欠損値 (NaN) を列ごとの統計量で置き換える
// 統計量は Fit に渡された訓練データのみから計算される。
type SimpleImputer struct {
	State *model.StateManager

	// Strategy は補完戦略。現在は "median" のみ
	Strategy string

	// Statistics は学習された列ごとの補完値
	Statistics []float64
}

// NewSimpleImputer は中央値補完を行うSimpleImputerを作成する
func NewSimpleImputer() *SimpleImputer {
	return &SimpleImputer{
		State:    model.NewStateManager(),
		Strategy: StrategyMedian,
	}
}

// Fit は各列の非欠損値から中央値を計算する
// 偶数個の場合は中央の2値の平均を用いる。全て欠損の列がある場合はエラー。
func (im *SimpleImputer) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.NewModelError("SimpleImputer.Fit", "empty data", errors.ErrEmptyData)
	}
	if im.Strategy != StrategyMedian {
		return errors.NewValidationError("strategy", "only median imputation is supported", im.Strategy)
	}
	if im.State == nil {
		im.State = model.NewStateManager()
	}

	stats := make([]float64, c)
	observed := make([]float64, 0, r)
	for j := 0; j < c; j++ {
		observed = observed[:0]
		for i := 0; i < r; i++ {
			if v := X.At(i, j); !math.IsNaN(v) {
				observed = append(observed, v)
			}
		}
		if len(observed) == 0 {
			return errors.NewValueError("SimpleImputer.Fit",
				fmt.Sprintf("column %d has no observed values; median is undefined", j))
		}
		stats[j] = median(observed)
	}

	im.Statistics = stats
	im.State.SetDimensions(c, r)
	im.State.SetFitted()
	return nil
}

// Transform は欠損値を学習済みの中央値で置き換えた新しい行列を返す
func (im *SimpleImputer) Transform(X mat.Matrix) (mat.Matrix, error) {
	if err := im.State.RequireFitted("SimpleImputer", "Transform"); err != nil {
		return nil, err
	}
	if err := im.State.CheckFeatures("SimpleImputer.Transform", colsOf(X)); err != nil {
		return nil, err
	}

	r, c := X.Dims()
	result := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := X.At(i, j)
			if math.IsNaN(v) {
				v = im.Statistics[j]
			}
			result.Set(i, j, v)
		}
	}
	return result, nil
}

// FitTransform は訓練データで学習し、同じデータを変換する
func (im *SimpleImputer) FitTransform(X mat.Matrix) (mat.Matrix, error) {
	if err := im.Fit(X); err != nil {
		return nil, err
	}
	return im.Transform(X)
}

// GetParams は補完器のパラメータを取得する
func (im *SimpleImputer) GetParams() map[string]interface{} {
	return map[string]interface{}{"strategy": im.Strategy}
}

// median は values を並べ替えて中央値を返す。values は変更される。
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
