package metrics

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// ClassMetrics は一つのクラス（または平均）の指標
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1-score"`
	Support   int     `json:"support"`
}

// ClassReport はクラスラベルとその指標の組
type ClassReport struct {
	Label string
	ClassMetrics
}

// ClassificationReport はクラスごとの適合率・再現率・F1・サポートと、
// 正解率・マクロ平均・加重平均をまとめたもの
//
// JSON では scikit-learn の classification_report(output_dict=True) と同じ形になる:
//
//	{"0": {...}, "1": {...}, "accuracy": 0.75, "macro avg": {...}, "weighted avg": {...}}
type ClassificationReport struct {
	Classes     []ClassReport
	Accuracy    float64
	MacroAvg    ClassMetrics
	WeightedAvg ClassMetrics
}

// NewClassificationReport は yTrue と yPred に現れる全ラベルについてレポートを作成する
func NewClassificationReport(yTrue, yPred *mat.VecDense) (*ClassificationReport, error) {
	n, err := checkPair("ClassificationReport", yTrue, yPred)
	if err != nil {
		return nil, err
	}

	labelSet := make(map[float64]bool)
	for i := 0; i < n; i++ {
		labelSet[yTrue.AtVec(i)] = true
		labelSet[yPred.AtVec(i)] = true
	}
	labels := make([]float64, 0, len(labelSet))
	for l := range labelSet {
		labels = append(labels, l)
	}
	sort.Float64s(labels)

	report := &ClassificationReport{}
	if report.Accuracy, err = Accuracy(yTrue, yPred); err != nil {
		return nil, err
	}

	for _, label := range labels {
		cm, err := BinaryConfusionMatrix(yTrue, yPred, label)
		if err != nil {
			return nil, err
		}
		m := ClassMetrics{
			Precision: cm.Precision(),
			Recall:    cm.Recall(),
			F1:        cm.F1(),
			Support:   cm.TP + cm.FN,
		}
		report.Classes = append(report.Classes, ClassReport{Label: FormatLabel(label), ClassMetrics: m})

		k := float64(len(labels))
		report.MacroAvg.Precision += m.Precision / k
		report.MacroAvg.Recall += m.Recall / k
		report.MacroAvg.F1 += m.F1 / k

		w := float64(m.Support) / float64(n)
		report.WeightedAvg.Precision += m.Precision * w
		report.WeightedAvg.Recall += m.Recall * w
		report.WeightedAvg.F1 += m.F1 * w
	}
	report.MacroAvg.Support = n
	report.WeightedAvg.Support = n

	return report, nil
}

// Class は指定ラベルの指標を返す
func (r *ClassificationReport) Class(label string) (ClassMetrics, bool) {
	for _, c := range r.Classes {
		if c.Label == label {
			return c.ClassMetrics, true
		}
	}
	return ClassMetrics{}, false
}

// FormatLabel はラベルを "0", "1" のような最短表記にする
func FormatLabel(label float64) string {
	return strconv.FormatFloat(label, 'f', -1, 64)
}

// MarshalJSON はキー順序を固定して scikit-learn 形式で出力する
func (r ClassificationReport) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, v interface{}) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}

	for _, c := range r.Classes {
		if err := write(c.Label, c.ClassMetrics); err != nil {
			return nil, err
		}
	}
	if err := write("accuracy", r.Accuracy); err != nil {
		return nil, err
	}
	if err := write("macro avg", r.MacroAvg); err != nil {
		return nil, err
	}
	if err := write("weighted avg", r.WeightedAvg); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON は MarshalJSON の出力を読み戻す。クラスは数値順に並べる
func (r *ClassificationReport) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := ClassificationReport{}
	for key, value := range raw {
		var err error
		switch key {
		case "accuracy":
			err = json.Unmarshal(value, &out.Accuracy)
		case "macro avg":
			err = json.Unmarshal(value, &out.MacroAvg)
		case "weighted avg":
			err = json.Unmarshal(value, &out.WeightedAvg)
		default:
			var m ClassMetrics
			err = json.Unmarshal(value, &m)
			out.Classes = append(out.Classes, ClassReport{Label: key, ClassMetrics: m})
		}
		if err != nil {
			return errors.Wrapf(err, "classification report field %q", key)
		}
	}
	sort.Slice(out.Classes, func(i, j int) bool {
		a, errA := strconv.ParseFloat(out.Classes[i].Label, 64)
		b, errB := strconv.ParseFloat(out.Classes[j].Label, 64)
		if errA != nil || errB != nil {
			return out.Classes[i].Label < out.Classes[j].Label
		}
		return a < b
	})

	*r = out
	return nil
}
