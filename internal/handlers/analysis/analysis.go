// Package analysis provides the built-in data-analysis task functions.
package analysis

import (
	"context"
	"fmt"
	"time"

	"taskwheel/internal/registry"
)

// Register binds the analysis functions into the registry under the names
// task definitions refer to.
func Register(r *registry.Registry) {
	r.Register("data_quality_check", DataQualityCheck)
	r.Register("model_training", ModelTraining)
	r.Register("data_import", DataImport)
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q must be a number", key)
	}
}

// step sleeps one simulated work unit, honoring cancellation.
func step(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// DataQualityCheck runs the named checks against a dataset and reports a
// per-check pass count.
func DataQualityCheck(ctx context.Context, params map[string]any) (map[string]any, error) {
	dataset, err := stringParam(params, "dataset")
	if err != nil {
		return nil, err
	}
	checks := []string{"nulls", "duplicates", "ranges"}
	if raw, ok := params["checks"].([]any); ok && len(raw) > 0 {
		checks = checks[:0]
		for _, c := range raw {
			name, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("parameter \"checks\" must be a list of strings")
			}
			checks = append(checks, name)
		}
	}

	results := make(map[string]any, len(checks))
	for _, check := range checks {
		if err := step(ctx, 10*time.Millisecond); err != nil {
			return nil, err
		}
		results[check] = "passed"
	}
	return map[string]any{
		"dataset":    dataset,
		"checks_run": len(checks),
		"results":    results,
	}, nil
}

// ModelTraining iterates the configured number of epochs, checking for
// cancellation between epochs.
func ModelTraining(ctx context.Context, params map[string]any) (map[string]any, error) {
	model, err := stringParam(params, "model")
	if err != nil {
		return nil, err
	}
	epochs, err := intParam(params, "epochs", 10)
	if err != nil {
		return nil, err
	}
	if epochs <= 0 {
		return nil, fmt.Errorf("parameter \"epochs\" must be > 0")
	}

	loss := 1.0
	for i := 0; i < epochs; i++ {
		if err := step(ctx, 10*time.Millisecond); err != nil {
			return nil, err
		}
		loss *= 0.9
	}
	return map[string]any{
		"model":      model,
		"epochs":     epochs,
		"final_loss": loss,
	}, nil
}

// DataImport pulls records from a source in batches.
func DataImport(ctx context.Context, params map[string]any) (map[string]any, error) {
	source, err := stringParam(params, "source")
	if err != nil {
		return nil, err
	}
	records, err := intParam(params, "records", 1000)
	if err != nil {
		return nil, err
	}
	batchSize, err := intParam(params, "batch_size", 100)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("parameter \"batch_size\" must be > 0")
	}

	imported := 0
	for imported < records {
		if err := step(ctx, 5*time.Millisecond); err != nil {
			return nil, err
		}
		n := batchSize
		if imported+n > records {
			n = records - imported
		}
		imported += n
	}
	return map[string]any{
		"source":           source,
		"records_imported": imported,
		"batches":          (records + batchSize - 1) / batchSize,
	}, nil
}
