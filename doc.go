// Package glucoscreen trains and serves a binary diabetes screening model
// from tabular clinical measurements.
//
// GlucoScreen fits several candidate classifiers on the Pima diabetes data,
// keeps the one with the greatest held-out F1 and serves it over HTTP. Every
// candidate is wrapped in the same preprocessing pipeline, so the imputation
// and scaling learned on the training split travel with the model.
//
// # Training
//
//	train -config config.yaml
//
// reads the CSV named by data.path, treats a literal 0 in Glucose,
// BloodPressure, SkinThickness, Insulin and BMI as "not measured", performs a
// stratified 80/20 split and writes:
//
//   - the model bundle (fitted pipeline plus metadata) to artifacts.model_path
//   - the metrics report (all candidates, best model metrics) to artifacts.metrics_path
//   - a comparison chart of candidate accuracy and F1 to artifacts.chart_path
//   - a run record with the bundle checksum to the bbolt store at artifacts.registry_path
//
// # Serving
//
//	serve -config config.yaml
//
// loads the bundle once at startup and answers
//
//	GET  /health
//	GET  /metrics
//	POST /predict    {"Pregnancies": 2, "Glucose": 148, ..., "Age": 50}
//	POST /reload
//	GET  /prometheus
//
// A prediction reports the class, "Diabetic" or "Not Diabetic", and a
// confidence rounded to four decimals.
//
// # Packages
//
//   - dataset: CSV loading and the zero-as-missing policy
//   - preprocessing: median imputation and standard scaling
//   - sklearn/...: logistic regression, decision tree, random forest, KNN, SVC
//   - pipeline: imputer, optional scaler and estimator fitted as one unit
//   - model_selection: stratified train/test split
//   - metrics: accuracy, precision, recall, F1, AUC and the classification report
//   - training: candidate construction, fitting and best-model selection
//   - artifact: model bundle, metrics report and comparison chart
//   - registry: bbolt history of training runs
//   - inference: record validation and scoring against the loaded bundle
//   - server: HTTP routes, CORS and Prometheus metrics
//   - config: koanf layered configuration with validation
//   - pkg/errors, pkg/log: error types and structured logging
//
// Configuration is layered: defaults, then the YAML file named by CONFIG_PATH
// (or ./config.yaml), then GLUCOSCREEN_* environment variables such as
// GLUCOSCREEN_TRAINING__TEST_SIZE=0.3. A .env file is read first if present.
package glucoscreen
