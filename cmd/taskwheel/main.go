package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskwheel/internal/api"
	"taskwheel/internal/config"
	"taskwheel/internal/domain"
	"taskwheel/internal/handlers/analysis"
	"taskwheel/internal/handlers/maintenance"
	"taskwheel/internal/handlers/reports"
	"taskwheel/internal/registry"
	"taskwheel/internal/scheduler"
	"taskwheel/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (optional)")
		addr       = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite DB path (overrides config)")
		workers    = flag.Int("workers", 0, "number of worker goroutines (overrides config)")
		tick       = flag.Duration("tick", 0, "scheduling loop interval (overrides config)")
		queueSize  = flag.Int("queue", 0, "execution queue size (overrides config)")
		reportsDir = flag.String("reports-dir", "reports", "output directory for generated reports")
		debug      = flag.Bool("debug", false, "enable pprof debug routes and debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *tick > 0 {
		cfg.Scheduler.Tick = *tick
	}
	if *queueSize > 0 {
		cfg.Scheduler.QueueSize = *queueSize
	}
	if *debug {
		cfg.Debug = true
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	tasks := store.NewSQLiteTaskStore(db)
	execs := store.NewSQLiteExecutionStore(db)

	if n, err := tasks.RecoverStale(context.Background()); err != nil {
		log.Error().Err(err).Msg("recover stale running tasks")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	reg := registry.New()
	analysis.Register(reg)
	reports.Register(reg, *reportsDir)
	maintenance.Register(reg, execs)
	log.Info().Strs("functions", reg.Names()).Msg("task functions registered")

	sched := scheduler.New(scheduler.Config{
		Tick:      cfg.Scheduler.Tick,
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}, tasks, execs, reg)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	if err := ensureDeclaredTasks(context.Background(), sched, tasks, cfg.Tasks); err != nil {
		log.Fatal().Err(err).Msg("create declared tasks")
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(sched, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if err := sched.Stop(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("scheduler stop timed out, executions may be incomplete")
	}
}

// ensureDeclaredTasks creates the tasks declared in the config file, keyed by
// name, so restarts do not duplicate them.
func ensureDeclaredTasks(ctx context.Context, sched *scheduler.Scheduler, tasks store.TaskRepository, declared []config.Task) error {
	if len(declared) == 0 {
		return nil
	}
	existing, err := tasks.List(ctx, store.TaskFilter{})
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, t := range existing {
		byName[t.Name] = true
	}

	for _, d := range declared {
		if byName[d.Name] {
			log.Debug().Str("name", d.Name).Msg("declared task already exists")
			continue
		}
		task, err := sched.CreateTask(ctx, domain.Task{
			Name:           d.Name,
			Description:    d.Description,
			FunctionName:   d.Function,
			Parameters:     d.Parameters,
			ScheduleType:   domain.ScheduleType(d.ScheduleType),
			ScheduleConfig: d.ScheduleConfig,
			Priority:       domain.Priority(d.Priority),
			MaxRetries:     d.MaxRetries,
			RetryDelay:     d.RetryDelay,
			Timeout:        d.Timeout,
		})
		if err != nil {
			return fmt.Errorf("task %q: %w", d.Name, err)
		}
		log.Info().Str("task_id", task.ID).Str("name", task.Name).Msg("declared task created")
	}
	return nil
}
