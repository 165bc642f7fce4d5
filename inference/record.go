package inference

import (
	"io"
	"sort"

	"github.com/goccy/go-json"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// DecodeRecord reads one JSON object of feature name to number. Values that
// are not JSON numbers are rejected with a ValidationError so that a string
// such as "120" is never silently coerced.
func DecodeRecord(r io.Reader) (map[string]float64, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.NewValidationError("body", "must be a JSON object of feature values: "+err.Error(), nil)
	}
	if raw == nil {
		return nil, errors.NewValidationError("body", "must be a JSON object of feature values", nil)
	}

	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	sort.Strings(names)

	record := make(map[string]float64, len(raw))
	for _, k := range names {
		n, ok := raw[k].(json.Number)
		if !ok {
			return nil, errors.NewValidationError(k, "must be a number", raw[k])
		}
		v, err := n.Float64()
		if err != nil {
			return nil, errors.NewValidationError(k, "must be a number", n.String())
		}
		record[k] = v
	}
	return record, nil
}
