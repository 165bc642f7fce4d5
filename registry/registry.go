// Package registry は学習実行の履歴を bbolt に記録する
//
// 1 回の学習実行ごとに RunRecord を 1 件追加する。キーは学習時刻と実行 ID を
// 連結したもので、カーソルの走査順がそのまま時系列順になる。
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/YuminosukeSato/glucoscreen/artifact"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/training"
)

var (
	runsBucket  = []byte("runs")
	indexBucket = []byte("runs_by_id")
)

// ErrRunNotFound は指定した ID の実行記録が存在しない場合のエラー
var ErrRunNotFound = errors.New("run not found")

// CandidateFailure は除外された候補の記録
type CandidateFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// RunRecord は 1 回の学習実行の記録
type RunRecord struct {
	ID           string                      `json:"id"`
	TrainedAt    string                      `json:"trained_at"`
	BestModel    string                      `json:"best_model"`
	BestF1       float64                     `json:"best_f1"`
	FeatureOrder []string                    `json:"feature_order"`
	BundlePath   string                      `json:"bundle_path"`
	BundleSHA256 string                      `json:"bundle_sha256"`
	TrainSamples int                         `json:"train_samples"`
	TestSamples  int                         `json:"test_samples"`
	Results      []training.EvaluationResult `json:"results"`
	Failed       []CandidateFailure          `json:"failed,omitempty"`
}

// NewRunRecord は保存済みのバンドルと学習結果から記録を作る
// バンドルファイルの SHA-256 を計算するため、Bundle.Save の後に呼ぶ。
func NewRunRecord(meta artifact.Metadata, res *training.Result, bundlePath string) (RunRecord, error) {
	if res == nil {
		return RunRecord{}, errors.NewModelError("NewRunRecord", "registry", errors.ErrNoCandidates)
	}
	sum, err := fileSHA256(bundlePath)
	if err != nil {
		return RunRecord{}, errors.NewSerializationError("load", bundlePath, err)
	}

	rec := RunRecord{
		ID:           uuid.NewString(),
		TrainedAt:    meta.TrainedAt,
		BestModel:    meta.BestModel,
		BestF1:       res.BestResult.F1,
		FeatureOrder: append([]string(nil), meta.FeatureOrder...),
		BundlePath:   bundlePath,
		BundleSHA256: sum,
		TrainSamples: len(res.Split.TrainIndices),
		TestSamples:  len(res.Split.TestIndices),
		Results:      append([]training.EvaluationResult(nil), res.Results...),
	}
	for _, f := range res.Failed {
		rec.Failed = append(rec.Failed, CandidateFailure{Name: f.Name, Error: f.Err.Error()})
	}
	return rec, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// key は時系列順に並ぶキーを返す
func (r RunRecord) key() []byte {
	return []byte(r.TrainedAt + "_" + r.ID)
}

// Store は bbolt 上の実行記録ストア
type Store struct {
	db *bbolt.DB
}

// Open はストアを開き、必要なバケットを作成する
// 他のプロセスがロックを保持している場合は 1 秒でタイムアウトする。
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "registry: open %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{runsBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close はデータベースを閉じる
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record は実行記録を追加する
func (s *Store) Record(rec RunRecord) error {
	if rec.ID == "" {
		return errors.NewValidationError("id", "run id must not be empty", rec.ID)
	}
	if _, err := time.Parse(artifact.TimeFormat, rec.TrainedAt); err != nil {
		return errors.NewValidationError("trained_at", "must match "+artifact.TimeFormat, rec.TrainedAt)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "registry: marshal run")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(indexBucket)
		if idx.Get([]byte(rec.ID)) != nil {
			return errors.NewValidationError("id", "run already recorded", rec.ID)
		}
		if err := tx.Bucket(runsBucket).Put(rec.key(), data); err != nil {
			return errors.Wrap(err, "registry: put run")
		}
		return idx.Put([]byte(rec.ID), rec.key())
	})
}

// Get は ID で実行記録を取得する
func (s *Store) Get(id string) (RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(indexBucket).Get([]byte(id))
		if key == nil {
			return errors.Wrapf(ErrRunNotFound, "id %s", id)
		}
		data := tx.Bucket(runsBucket).Get(key)
		if data == nil {
			return errors.Wrapf(ErrRunNotFound, "id %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// List は全記録を古い順に返す
func (s *Store) List() ([]RunRecord, error) {
	var runs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "registry: decode run")
			}
			runs = append(runs, rec)
			return nil
		})
	})
	return runs, err
}

// Latest は最新の記録を返す。記録がなければ ErrRunNotFound。
func (s *Store) Latest() (RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(runsBucket).Cursor().Last()
		if v == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// Since は trained_at が t 以降の記録を古い順に返す
func (s *Store) Since(t time.Time) ([]RunRecord, error) {
	start := []byte(t.UTC().Format(artifact.TimeFormat))
	var runs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "registry: decode run")
			}
			runs = append(runs, rec)
		}
		return nil
	})
	return runs, err
}

// VerifyBundle はバンドルファイルが記録時の SHA-256 と一致するか確認する
func (r RunRecord) VerifyBundle() (bool, error) {
	sum, err := fileSHA256(r.BundlePath)
	if err != nil {
		return false, errors.NewSerializationError("load", r.BundlePath, err)
	}
	return sum == r.BundleSHA256, nil
}
