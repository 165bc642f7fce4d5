package model

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// SaveModel はモデルをgob形式でファイルに保存する
//
// 書き込みは同じディレクトリの一時ファイルに対して行い、完了後にrenameで
// 置き換えるため、読み手が書きかけのファイルを観測することはない。
// インターフェース型のフィールドを持つ値は、具象型を事前に gob.Register しておく必要がある。
//
// 使用例:
//
//	err := model.SaveModel(bundle, "artifacts/model.gob")
func SaveModel(model interface{}, filename string) (err error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewSerializationError("save", filename, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.NewSerializationError("save", filename, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := SaveModelToWriter(model, tmp); err != nil {
		_ = tmp.Close()
		return errors.NewSerializationError("save", filename, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.NewSerializationError("save", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewSerializationError("save", filename, err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return errors.NewSerializationError("save", filename, err)
	}
	return nil
}

// LoadModel はgob形式のファイルからモデルを読み込む
//
// 使用例:
//
//	var bundle artifact.Bundle
//	err := model.LoadModel(&bundle, "artifacts/model.gob")
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.NewSerializationError("load", filename, err)
	}
	defer file.Close()

	if err := LoadModelFromReader(model, file); err != nil {
		return errors.NewSerializationError("load", filename, err)
	}
	return nil
}

// SaveModelToWriter はモデルをio.Writerに保存する
func SaveModelToWriter(model interface{}, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(model); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// LoadModelFromReader はio.Readerからモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader) error {
	if err := gob.NewDecoder(r).Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
