package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/preprocessing"
)

// Dataset is a cleaned feature matrix with its binary outcome.
// Missing feature values are NaN.
type Dataset struct {
	Schema Schema
	X      *mat.Dense // n × len(Schema.Features)
	Y      *mat.Dense // n × 1, values in {0, 1}
}

// Load reads the CSV file at path. See Read.
func Load(path string, schema Schema) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewDataLoadError(path, "", 0, "cannot open data source", err)
	}
	defer f.Close()
	return read(f, path, schema)
}

// Read parses CSV data with a header row. Columns are matched by name, so
// their order is free and extra columns are ignored. Empty cells and the
// tokens NA and NaN are missing values. After parsing, a literal 0 in any
// zero-as-missing feature is replaced by NaN.
func Read(r io.Reader, schema Schema) (*Dataset, error) {
	return read(r, "", schema)
}

func read(r io.Reader, path string, schema Schema) (*Dataset, error) {
	if err := schema.Validate(); err != nil {
		return nil, errors.NewDataLoadError(path, "", 0, "invalid schema", err)
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.NewDataLoadError(path, "", 0, "no header row", errors.ErrEmptyData)
	}
	if err != nil {
		return nil, errors.NewDataLoadError(path, "", 0, "cannot read header", err)
	}

	position := make(map[string]int, len(header))
	for i, name := range header {
		position[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	featureCols := make([]int, len(schema.Features))
	for j, f := range schema.Features {
		idx, ok := position[f]
		if !ok {
			return nil, errors.NewDataLoadError(path, f, 0, "required column missing", nil)
		}
		featureCols[j] = idx
	}
	targetCol, ok := position[schema.Target]
	if !ok {
		return nil, errors.NewDataLoadError(path, schema.Target, 0, "required column missing", nil)
	}

	var xs, ys []float64
	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, errors.NewDataLoadError(path, "", row, "malformed record", err)
		}

		for j, col := range featureCols {
			v, err := parseCell(record[col])
			if err != nil {
				return nil, errors.NewDataLoadError(path, schema.Features[j], row, "non-numeric value", err)
			}
			xs = append(xs, v)
		}

		y, err := parseCell(record[targetCol])
		if err != nil {
			return nil, errors.NewDataLoadError(path, schema.Target, row, "non-numeric value", err)
		}
		if y != 0 && y != 1 {
			return nil, errors.NewDataLoadError(path, schema.Target, row, "outcome must be 0 or 1", nil)
		}
		ys = append(ys, y)
	}

	if row == 0 {
		return nil, errors.NewDataLoadError(path, "", 0, "no data rows", errors.ErrEmptyData)
	}

	p := len(schema.Features)
	X := mat.NewDense(row, p, xs)
	preprocessing.MarkZeroAsMissing(X, schema.ZeroAsMissingIndices())

	for j := 0; j < p; j++ {
		if columnAllMissing(X, j) {
			return nil, errors.NewDataLoadError(path, schema.Features[j], 0, "column is entirely missing after cleaning", nil)
		}
	}

	return &Dataset{Schema: schema, X: X, Y: mat.NewDense(row, 1, ys)}, nil
}

// parseCell returns NaN for missing tokens. Infinite values are rejected.
func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.Newf("non-finite value %q", s)
	}
	return v, nil
}

func columnAllMissing(X *mat.Dense, j int) bool {
	r, _ := X.Dims()
	for i := 0; i < r; i++ {
		if !math.IsNaN(X.At(i, j)) {
			return false
		}
	}
	return true
}

// NSamples returns the number of rows.
func (d *Dataset) NSamples() int {
	r, _ := d.X.Dims()
	return r
}

// NFeatures returns the number of feature columns.
func (d *Dataset) NFeatures() int {
	_, c := d.X.Dims()
	return c
}

// ClassCounts returns the number of rows per outcome value.
func (d *Dataset) ClassCounts() map[float64]int {
	counts := make(map[float64]int, 2)
	for i := 0; i < d.NSamples(); i++ {
		counts[d.Y.At(i, 0)]++
	}
	return counts
}

// Subset returns a new Dataset holding copies of the given rows, in order.
func (d *Dataset) Subset(rows []int) *Dataset {
	if len(rows) == 0 {
		return &Dataset{Schema: d.Schema, X: &mat.Dense{}, Y: &mat.Dense{}}
	}
	X := mat.NewDense(len(rows), d.NFeatures(), nil)
	Y := mat.NewDense(len(rows), 1, nil)
	for i, r := range rows {
		X.SetRow(i, d.X.RawRowView(r))
		Y.Set(i, 0, d.Y.At(r, 0))
	}
	return &Dataset{Schema: d.Schema, X: X, Y: Y}
}
