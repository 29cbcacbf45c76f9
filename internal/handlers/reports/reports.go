// Package reports provides the built-in report-generation task function.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskwheel/internal/registry"
)

// Generator writes reports under a fixed output directory.
type Generator struct {
	OutputDir string
}

func Register(r *registry.Registry, outputDir string) {
	g := Generator{OutputDir: outputDir}
	r.Register("report_generation", g.Generate)
}

// Generate renders a JSON report file and returns its path. The report_type
// parameter selects the report; unknown types are rejected rather than
// producing an empty file.
func (g Generator) Generate(ctx context.Context, params map[string]any) (map[string]any, error) {
	reportType := "summary"
	if v, ok := params["report_type"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter \"report_type\" must be a string")
		}
		reportType = s
	}
	switch reportType {
	case "summary", "detailed", "audit":
	default:
		return nil, fmt.Errorf("unknown report type %q", reportType)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	now := time.Now().UTC()
	report := map[string]any{
		"report_type":  reportType,
		"generated_at": now.Format(time.RFC3339),
		"sections":     sectionsFor(reportType),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s.json", reportType, now.Format("20060102T150405"))
	path := filepath.Join(g.OutputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return map[string]any{
		"report_type": reportType,
		"path":        path,
		"bytes":       len(data),
	}, nil
}

func sectionsFor(reportType string) []string {
	switch reportType {
	case "detailed":
		return []string{"overview", "per_task", "failures", "durations"}
	case "audit":
		return []string{"overview", "changes", "operators"}
	default:
		return []string{"overview"}
	}
}
