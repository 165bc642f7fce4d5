// Package config は学習とサービングの設定を読み込む。
//
// 設定は次の順に重ねられ、後のものが優先される:
//
//  1. 組み込みのデフォルト値
//  2. YAML ファイル (CONFIG_PATH、なければ config.yaml)
//  3. GLUCOSCREEN_ で始まる環境変数 (ネストは "__" 区切り)
//
// 例: GLUCOSCREEN_TRAINING__TEST_SIZE=0.3 は training.test_size を上書きする。
package config

import (
	"time"

	"github.com/YuminosukeSato/glucoscreen/dataset"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/training"
)

// Config は全設定のルート
type Config struct {
	Data      DataConfig      `koanf:"data"`
	Training  TrainingConfig  `koanf:"training"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// DataConfig は入力 CSV とそのスキーマ
type DataConfig struct {
	Path          string   `koanf:"path" validate:"required"`
	Features      []string `koanf:"features" validate:"required,min=1,unique,dive,required"`
	Target        string   `koanf:"target" validate:"required"`
	ZeroAsMissing []string `koanf:"zero_as_missing" validate:"unique,dive,required"`
}

// TrainingConfig は分割と候補モデルの設定
type TrainingConfig struct {
	TestSize   float64 `koanf:"test_size" validate:"gt=0,lt=1"`
	RandomSeed int     `koanf:"random_seed"`
	Parallel   bool    `koanf:"parallel"`

	// Candidates が空ならデフォルトの5候補を使う
	Candidates []CandidateConfig `koanf:"candidates" validate:"dive"`
}

// CandidateConfig は候補モデル1つ分の設定
type CandidateConfig struct {
	Name      string                 `koanf:"name" validate:"required"`
	Algorithm string                 `koanf:"algorithm" validate:"required,oneof=logistic_regression random_forest svm decision_tree knn"`
	Scale     bool                   `koanf:"scale"`
	Params    map[string]interface{} `koanf:"params"`
}

// ArtifactsConfig は学習成果物の出力先
type ArtifactsConfig struct {
	ModelPath   string `koanf:"model_path" validate:"required"`
	MetricsPath string `koanf:"metrics_path" validate:"required"`

	// 空なら出力しない
	ChartPath    string `koanf:"chart_path"`
	RegistryPath string `koanf:"registry_path"`
}

// ServerConfig は推論サービスの設定
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	schema := dataset.DiabetesSchema()
	return &Config{
		Data: DataConfig{
			Path:          "data/diabetes.csv",
			Features:      schema.Features,
			Target:        schema.Target,
			ZeroAsMissing: schema.ZeroAsMissing,
		},
		Training: TrainingConfig{
			TestSize:   training.DefaultTestSize,
			RandomSeed: training.DefaultRandomSeed,
			Parallel:   false,
		},
		Artifacts: ArtifactsConfig{
			ModelPath:    "model/diabetes_model.gob",
			MetricsPath:  "metrics/metrics.json",
			ChartPath:    "metrics/model_comparison.png",
			RegistryPath: "model/runs.db",
		},
		Server: ServerConfig{
			Addr:            ":8000",
			CORSOrigins:     []string{"*"},
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Schema はデータ設定からスキーマを組み立てる
func (c *Config) Schema() dataset.Schema {
	return dataset.Schema{
		Features:      append([]string(nil), c.Data.Features...),
		Target:        c.Data.Target,
		ZeroAsMissing: append([]string(nil), c.Data.ZeroAsMissing...),
	}
}

// Specs は候補モデルのパイプライン仕様を設定順に返す
func (c *Config) Specs() ([]pipeline.Spec, error) {
	if len(c.Training.Candidates) == 0 {
		return training.DefaultCandidates(c.Training.RandomSeed), nil
	}
	specs := make([]pipeline.Spec, 0, len(c.Training.Candidates))
	for _, cand := range c.Training.Candidates {
		spec, err := training.NewSpec(cand.Name, cand.Algorithm, cand.Scale, cand.Params, c.Training.RandomSeed)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
