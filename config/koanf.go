package config

import (
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

const (
	// PathEnvVar は設定ファイルのパスを指定する環境変数
	PathEnvVar = "CONFIG_PATH"

	// EnvPrefix は上書き用環境変数の接頭辞
	EnvPrefix = "GLUCOSCREEN_"
)

// DefaultPaths は CONFIG_PATH がないときに探すファイル
var DefaultPaths = []string{"config.yaml", "config.yml"}

// sliceKeys は環境変数のカンマ区切り文字列をスライスとして扱うキー
var sliceKeys = []string{
	"data.features",
	"data.zero_as_missing",
	"server.cors_origins",
}

// Load は設定ファイルを探して読み込む。ファイルがなければデフォルトと環境変数のみ。
func Load() (*Config, error) {
	return LoadFile(findFile())
}

// LoadFile は path の YAML を読み込む。path が空ならファイル層を省く。
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "config: load defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "config: load %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "config: load environment")
	}
	if err := splitSliceKeys(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey は GLUCOSCREEN_TRAINING__TEST_SIZE を training.test_size に変換する
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitSliceKeys(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return errors.Wrapf(err, "config: set %s", key)
		}
	}
	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// エラーのフィールド名を koanf のキーにそろえる
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate はタグによる検証に加えて、フィールド間の整合性を確認する。
// 失敗時は最初の違反を ValidationError で返す。
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			reason := "failed '" + fe.Tag() + "'"
			if fe.Param() != "" {
				reason += " (" + fe.Param() + ")"
			}
			return errors.NewValidationError(key, reason, fe.Value())
		}
		return errors.Wrap(err, "config: validate")
	}

	if err := c.Schema().Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Training.Candidates))
	for _, cand := range c.Training.Candidates {
		if seen[cand.Name] {
			return errors.NewValidationError("training.candidates", "duplicate candidate name", cand.Name)
		}
		seen[cand.Name] = true
	}
	// 未知のハイパーパラメータは学習開始前に検出する
	if _, err := c.Specs(); err != nil {
		return err
	}
	return nil
}
