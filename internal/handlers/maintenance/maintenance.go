// Package maintenance provides housekeeping task functions that operate on
// the scheduler's own stores.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"taskwheel/internal/registry"
	"taskwheel/internal/store"
)

func Register(r *registry.Registry, execs store.ExecutionRepository) {
	r.Register("cleanup", Cleanup(execs))
}

// Cleanup returns a task function that prunes finished executions older than
// the retention window. In-flight executions are never touched.
func Cleanup(execs store.ExecutionRepository) registry.TaskFunc {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		retentionDays := 30
		if v, ok := params["retention_days"]; ok {
			switch n := v.(type) {
			case int:
				retentionDays = n
			case int64:
				retentionDays = int(n)
			case float64:
				retentionDays = int(n)
			default:
				return nil, fmt.Errorf("parameter \"retention_days\" must be a number")
			}
		}
		if retentionDays <= 0 {
			return nil, fmt.Errorf("parameter \"retention_days\" must be > 0")
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		deleted, err := execs.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"retention_days": retentionDays,
			"cutoff":         cutoff.Format(time.RFC3339),
			"deleted":        deleted,
		}, nil
	}
}
