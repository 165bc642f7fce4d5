package model

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// CheckXY はFitの入力を検証し、サンプル数と特徴量数を返す。
// yは n×1 の列ベクトルで、Xと行数が一致しなければならない。
func CheckXY(op string, X, y mat.Matrix) (nSamples, nFeatures int, err error) {
	nSamples, nFeatures = X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return 0, 0, errors.NewModelError(op, "empty data", errors.ErrEmptyData)
	}
	yRows, yCols := y.Dims()
	if yCols != 1 {
		return 0, 0, errors.NewDimensionError(op, 1, yCols, 1)
	}
	if yRows != nSamples {
		return 0, 0, errors.NewDimensionError(op, nSamples, yRows, 0)
	}
	for i := 0; i < nSamples; i++ {
		v := y.At(i, 0)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, errors.NewValueError(op, fmt.Sprintf("non-finite label %v at row %d", v, i))
		}
	}
	return nSamples, nFeatures, nil
}

// UniqueLabels はyに現れるラベルを昇順で返す
func UniqueLabels(y mat.Matrix) []float64 {
	n, _ := y.Dims()
	seen := make(map[float64]struct{})
	labels := make([]float64, 0, 2)
	for i := 0; i < n; i++ {
		v := y.At(i, 0)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		labels = append(labels, v)
	}
	sort.Float64s(labels)
	return labels
}

// BinaryLabels はyがちょうど2クラスを含むことを確認し、昇順のラベルを返す。
// 2番目のラベルが陽性クラスとして扱われる。
func BinaryLabels(op string, y mat.Matrix) ([]float64, error) {
	labels := UniqueLabels(y)
	if len(labels) != 2 {
		return nil, errors.NewValueError(op,
			fmt.Sprintf("binary classification requires exactly 2 classes, got %d", len(labels)))
	}
	return labels, nil
}
