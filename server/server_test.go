package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/artifact"
	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/inference"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
	"github.com/YuminosukeSato/glucoscreen/sklearn/linear_model"
	"github.com/YuminosukeSato/glucoscreen/sklearn/neighbors"
	"github.com/YuminosukeSato/glucoscreen/training"
)

var featureOrder = []string{"Pregnancies", "Glucose", "Age"}

func saveBundle(t *testing.T, path, name string, est model.Estimator) {
	t.Helper()
	p, err := pipeline.Make(name, est,
		pipeline.WithScaling(true),
		pipeline.WithProbability(true),
		pipeline.WithZeroAsMissing([]int{1}))
	require.NoError(t, err)

	n := 30
	X := mat.NewDense(n, 3, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		label := float64(i % 2)
		X.SetRow(i, []float64{float64(i % 4), 90 + float64(i) + 70*label, 25 + float64(i)})
		y.Set(i, 0, label)
	}
	require.NoError(t, p.Fit(X, y))

	b, err := artifact.NewBundle(p, artifact.NewMetadata(name, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), featureOrder))
	require.NoError(t, err)
	require.NoError(t, b.Save(path))
}

func saveReport(t *testing.T, path, bestModel string) {
	t.Helper()
	report := &artifact.MetricsReport{
		Meta: artifact.NewMetadata(bestModel, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), featureOrder),
		AllModels: []training.EvaluationResult{
			{Model: bestModel, Accuracy: 0.8, Precision: 0.75, Recall: 0.7, F1: 0.72},
		},
		BestModelMetrics: artifact.BestModelMetrics{Accuracy: 0.8, Precision: 0.75, Recall: 0.7, F1: 0.72},
	}
	require.NoError(t, report.Save(path))
}

type fixture struct {
	server     *Server
	modelPath  string
	reportPath string
}

func newFixture(t *testing.T, withBundle bool) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		modelPath:  filepath.Join(dir, "model.gob"),
		reportPath: filepath.Join(dir, "metrics.json"),
	}
	logger, _ := log.NewTestLogger(log.LevelWarn)
	scorer := inference.NewScorer(inference.WithLogger(logger))
	if withBundle {
		saveBundle(t, f.modelPath, "LogisticRegression", linear_model.NewLogisticRegression())
		saveReport(t, f.reportPath, "LogisticRegression")
		require.NoError(t, scorer.Load(f.modelPath))
	}
	cfg := DefaultConfig()
	cfg.MetricsPath = f.reportPath
	f.server = New(scorer, cfg)
	f.server.logger = logger
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	// liveness does not depend on a loaded model
	f := newFixture(t, false)
	rec := do(t, f.server.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestPredict(t *testing.T) {
	f := newFixture(t, true)
	h := f.server.Handler()

	rec := do(t, h, http.MethodPost, "/predict", `{"Pregnancies": 2, "Glucose": 190, "Age": 40}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res inference.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Prediction)
	assert.Equal(t, inference.PositiveResult, res.Result)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)

	rec = do(t, h, http.MethodPost, "/predict", `{"Pregnancies": 2, "Glucose": 95, "Age": 40}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, inference.NegativeResult, res.Result)
}

func TestPredictValidation(t *testing.T) {
	f := newFixture(t, true)
	h := f.server.Handler()

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing feature", `{"Pregnancies": 2, "Glucose": 190}`, "Age"},
		{"unknown feature", `{"Pregnancies": 2, "Glucose": 190, "Age": 40, "Insulin": 5}`, "Insulin"},
		{"negative value", `{"Pregnancies": 2, "Glucose": -1, "Age": 40}`, "Glucose"},
		{"string value", `{"Pregnancies": 2, "Glucose": "190", "Age": 40}`, "Glucose"},
		{"fractional age", `{"Pregnancies": 2, "Glucose": 190, "Age": 40.5}`, "Age"},
		{"not an object", `[2, 190, 40]`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/predict", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			detail, ok := decode(t, rec)["detail"].(map[string]interface{})
			require.True(t, ok, rec.Body.String())
			assert.Equal(t, tt.field, detail["field"])
		})
	}
}

func TestPredictWithoutBundle(t *testing.T) {
	f := newFixture(t, false)
	rec := do(t, f.server.Handler(), http.MethodPost, "/predict", `{"Pregnancies": 2, "Glucose": 190, "Age": 40}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "model bundle not loaded", decode(t, rec)["detail"])
}

func TestMetricsReport(t *testing.T) {
	f := newFixture(t, true)
	rec := do(t, f.server.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	meta, ok := body["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "LogisticRegression", meta["best_model"])
	assert.Equal(t, "2024-05-01T12:00:00.000000Z", meta["trained_at"])
	assert.Contains(t, body, "all_models")
	assert.Contains(t, body, "best_model_metrics")

	empty := newFixture(t, false)
	rec = do(t, empty.server.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReload(t *testing.T) {
	f := newFixture(t, true)
	h := f.server.Handler()

	saveBundle(t, f.modelPath, "KNN", neighbors.NewKNeighborsClassifier(neighbors.WithNNeighbors(3)))
	saveReport(t, f.reportPath, "KNN")

	rec := do(t, h, http.MethodPost, "/reload", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "KNN", decode(t, rec)["best_model"])

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, "KNN", decode(t, rec)["meta"].(map[string]interface{})["best_model"])

	rec = do(t, h, http.MethodGet, "/prometheus", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `glucoscreen_bundle_reloads_total{outcome="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `glucoscreen_model_info{best_model="KNN"`)
	assert.NotContains(t, rec.Body.String(), `best_model="LogisticRegression"`)
}

func TestReloadWithoutBundle(t *testing.T) {
	f := newFixture(t, false)
	rec := do(t, f.server.Handler(), http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, f.server.Handler(), http.MethodGet, "/prometheus", "")
	assert.Contains(t, rec.Body.String(), `glucoscreen_bundle_reloads_total{outcome="error"} 1`)
}

func TestPrometheusCountsRequests(t *testing.T) {
	f := newFixture(t, true)
	h := f.server.Handler()
	for i := 0; i < 3; i++ {
		do(t, h, http.MethodPost, "/predict", `{"Pregnancies": 2, "Glucose": 190, "Age": 40}`)
	}
	do(t, h, http.MethodGet, "/health", "")

	rec := do(t, h, http.MethodGet, "/prometheus", "")
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `glucoscreen_http_requests_total{code="200",route="/predict"} 3`)
	assert.Contains(t, text, `glucoscreen_http_requests_total{code="200",route="/health"} 1`)
	assert.Contains(t, text, `glucoscreen_predictions_total{result="Diabetic"} 3`)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://clinic.example")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
