// Package config loads the optional YAML configuration file. Flags in main
// override whatever is loaded here.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr      string    `yaml:"addr"`
	DBPath    string    `yaml:"db_path"`
	Debug     bool      `yaml:"debug"`
	Scheduler Scheduler `yaml:"scheduler"`

	// Tasks declared here are created at startup if no task with the same
	// name exists yet.
	Tasks []Task `yaml:"tasks"`
}

type Scheduler struct {
	Tick      time.Duration `yaml:"tick"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// Task is a declarative task definition. Field names follow the API payload.
type Task struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Function       string         `yaml:"function"`
	Parameters     map[string]any `yaml:"parameters"`
	ScheduleType   string         `yaml:"schedule_type"`
	ScheduleConfig map[string]any `yaml:"schedule_config"`
	Priority       string         `yaml:"priority"`
	MaxRetries     int            `yaml:"max_retries"`
	RetryDelay     int            `yaml:"retry_delay"`
	Timeout        int            `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Addr:   ":8080",
		DBPath: "taskwheel.db",
		Scheduler: Scheduler{
			Tick:      time.Second,
			Workers:   4,
			QueueSize: 64,
		},
	}
}

// Load reads the YAML file at path and merges it over the defaults. An empty
// path returns the defaults unchanged. Unknown keys are rejected so typos do
// not silently disable sections.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Addr == "" {
		cfg.Addr = Default().Addr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = Default().DBPath
	}
	if cfg.Scheduler.Tick <= 0 {
		cfg.Scheduler.Tick = Default().Scheduler.Tick
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = Default().Scheduler.Workers
	}
	if cfg.Scheduler.QueueSize <= 0 {
		cfg.Scheduler.QueueSize = Default().Scheduler.QueueSize
	}

	seen := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if t.Name == "" {
			return Config{}, fmt.Errorf("parse config %s: task with empty name", path)
		}
		if seen[t.Name] {
			return Config{}, fmt.Errorf("parse config %s: duplicate task name %q", path, t.Name)
		}
		seen[t.Name] = true
	}
	return cfg, nil
}
