package preprocessing

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ZeroAsMissing はゼロを欠損値 (NaN) として扱う列に対し、0 を NaN に置き換える変換器
//
// 血糖値や血圧のように生理学的に 0 があり得ない測定値では、0 は「未測定」を意味する。
// 対象外の列（妊娠回数など）の 0 は正当な値としてそのまま残る。
// 学習するパラメータを持たないため Fit は何もしない。
type ZeroAsMissing struct {
	// Columns は置き換え対象の列インデックス
	Columns []int
}

// NewZeroAsMissing は指定した列を対象とする変換器を作成する
func NewZeroAsMissing(columns []int) *ZeroAsMissing {
	return &ZeroAsMissing{Columns: append([]int(nil), columns...)}
}

// Fit は何もしない
func (z *ZeroAsMissing) Fit(mat.Matrix) error { return nil }

// Transform は X のコピーに対して置き換えを行う
func (z *ZeroAsMissing) Transform(X mat.Matrix) (mat.Matrix, error) {
	out := mat.DenseCopyOf(X)
	MarkZeroAsMissing(out, z.Columns)
	return out, nil
}

// FitTransform は Transform と同じ
func (z *ZeroAsMissing) FitTransform(X mat.Matrix) (mat.Matrix, error) {
	return z.Transform(X)
}

// MarkZeroAsMissing は X の指定列にある 0 をその場で NaN に置き換え、置き換えた件数を返す
// 範囲外の列インデックスは無視する。
func MarkZeroAsMissing(X *mat.Dense, columns []int) int {
	r, c := X.Dims()
	replaced := 0
	for _, j := range columns {
		if j < 0 || j >= c {
			continue
		}
		for i := 0; i < r; i++ {
			if X.At(i, j) == 0 {
				X.Set(i, j, math.NaN())
				replaced++
			}
		}
	}
	return replaced
}
