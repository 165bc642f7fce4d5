package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる。yは n×1 の 0/1 ラベル列
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対するクラスラベル（n×1）を返す
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// ProbaPredictor はクラス確率を出力できるモデルのインターフェース
type ProbaPredictor interface {
	// PredictProba は n×k の確率行列を返す。列の順序は Classes() と一致する
	PredictProba(X mat.Matrix) (mat.Matrix, error)

	// Classes は学習時に観測したクラスラベルを昇順で返す
	Classes() []float64
}

// Estimator は候補パイプラインの最終段に置ける分類器の基本インターフェース
type Estimator interface {
	Fitter
	Predictor
}

// Classifier は確率出力を持つ分類器
type Classifier interface {
	Estimator
	ProbaPredictor
}

// ParameterGetter はハイパーパラメータを公開するモデルのインターフェース。
// 実行履歴とログに記録される。
type ParameterGetter interface {
	GetParams() map[string]interface{}
}
