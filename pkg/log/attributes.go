// Standard attribute keys for training and scoring logs.
//
// Keys follow a hierarchical naming convention ("model.name", "data.samples")
// so log pipelines can filter on them consistently.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the estimator type.
	// Examples: "LogisticRegression", "RandomForestClassifier", "SVC"
	ModelNameKey = "model.name"

	// CandidateKey identifies a configured candidate pipeline by its name.
	CandidateKey = "candidate.name"

	// RunIDKey identifies one training run in the run registry.
	RunIDKey = "run.id"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "transform", "score", "load", "save"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component is performing the operation.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of the model lifecycle.
	PhaseKey = "ml.phase"
)

// Data Shape
const (
	// SamplesKey indicates the number of samples (rows).
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns).
	FeaturesKey = "data.features"

	// TrainSamplesKey and TestSamplesKey describe the stratified split.
	TrainSamplesKey = "data.train_samples"
	TestSamplesKey  = "data.test_samples"

	// PathKey records a file path read or written.
	PathKey = "data.path"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	AccuracyKey  = "metrics.accuracy"
	PrecisionKey = "metrics.precision"
	RecallKey    = "metrics.recall"
	F1Key        = "metrics.f1"
	AUCKey       = "metrics.roc_auc"
	LogLossKey   = "metrics.log_loss"

	// IterationKey records the iteration count of iterative solvers.
	IterationKey = "training.iteration"
)

// Prediction Context
const (
	// PredictionKey records the predicted class label.
	PredictionKey = "preds.label"

	// ConfidenceKey records prediction confidence in [0, 1].
	ConfidenceKey = "preds.confidence"
)

// Error Context
const (
	// ErrorTypeKey categorizes the type of error encountered.
	ErrorTypeKey = "error.type"

	// SuggestionKey provides a hint for resolving the issue.
	SuggestionKey = "error.suggestion"
)

// Configuration
const (
	// HyperParamsKey contains estimator hyperparameters.
	HyperParamsKey = "model.hyperparams"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"
)

// Standard attribute values.
const (
	OperationFit       = "fit"
	OperationPredict   = "predict"
	OperationTransform = "transform"
	OperationScore     = "score"
	OperationLoad      = "load"
	OperationSave      = "save"

	PhaseTraining      = "training"
	PhaseValidation    = "validation"
	PhaseInference     = "inference"
	PhasePreprocessing = "preprocessing"
)
