package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalline/qscore/pkg/abtest"
	"github.com/signalline/qscore/pkg/config"
	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/executor"
	"github.com/signalline/qscore/pkg/feedback"
	"github.com/signalline/qscore/pkg/ledger"
	"github.com/signalline/qscore/pkg/observability"
	"github.com/signalline/qscore/pkg/patterncache"
	"github.com/signalline/qscore/pkg/policy"
	"github.com/signalline/qscore/pkg/rulestore"
	"github.com/signalline/qscore/pkg/server"
	"github.com/signalline/qscore/pkg/tools"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "optional YAML profile file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *profilePath != "" {
		profile, err := config.LoadProfile(*profilePath)
		if err != nil {
			slog.Error("profile load failed", "path", *profilePath, "error", err)
			return 1
		}
		cfg.Apply(profile)
	}

	initLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "qscore",
		ServiceVersion: engineVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	engine, led, err := buildEngine(cfg)
	if err != nil {
		logger.Error("engine wiring failed", "error", err)
		return 1
	}
	defer engine.exec.Close()

	if err := provider.ObserveExecutor(engine.exec.Counters()); err != nil {
		logger.Error("metric registration failed", "error", err)
		return 1
	}

	analyzer := feedback.NewAnalyzer(led, engine.store, engine.toolNames, feedback.Config{
		Window:   cfg.AnalyzerWindow,
		Interval: cfg.AnalyzerInterval,
		Jitter:   cfg.AnalyzerInterval / 10,
	})
	go analyzer.Loop(ctx)

	srv := server.New(engine.exec, led, server.Options{
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
		Track:     provider.TrackDecision,
		Patterns:  openPatternCache(cfg),
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("qscore listening", "port", cfg.Port, "ledger", cfg.LedgerBackend)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

// assignmentRecorder adapts the ledger to the assigner's store interface.
type assignmentRecorder struct {
	led ledger.Ledger
}

func (r assignmentRecorder) Record(ctx context.Context, a contracts.ABAssignment) error {
	return r.led.RecordAssignment(ctx, a)
}

// engine bundles the wired decision core.
type engine struct {
	exec      *executor.Executor
	store     *rulestore.Store
	toolNames []string
}

func buildEngine(cfg *config.Config) (*engine, ledger.Ledger, error) {
	reg, err := tools.NewRegistry()
	if err != nil {
		return nil, nil, err
	}

	store := rulestore.New()
	if cfg.RulesDir != "" {
		err = store.LoadDir(cfg.RulesDir, reg.InputFields())
	} else {
		err = store.LoadFS(tools.Seeds(), reg.InputFields())
	}
	if err != nil {
		return nil, nil, err
	}

	exprs := make(map[string]string)
	for _, name := range reg.Names() {
		def, err := reg.Get(name)
		if err != nil {
			return nil, nil, err
		}
		exprs[name] = def.AdmissionExpr
	}
	gate, err := policy.NewGate(exprs)
	if err != nil {
		return nil, nil, err
	}

	led, err := openLedger(cfg)
	if err != nil {
		return nil, nil, err
	}

	var assigner *abtest.Assigner
	if len(cfg.Experiments) > 0 {
		experiments := make([]abtest.Experiment, 0, len(cfg.Experiments))
		for _, e := range cfg.Experiments {
			experiments = append(experiments, abtest.Experiment{
				ID:               e.ID,
				Tool:             e.Tool,
				ControlVersion:   e.ControlVersion,
				TreatmentVersion: e.TreatmentVersion,
				Split:            e.Split,
			})
		}
		assigner, err = abtest.NewAssigner(experiments, assignmentRecorder{led})
		if err != nil {
			return nil, nil, err
		}
	}

	exec := executor.New(reg, store, gate, assigner, led, executor.Options{
		QueueSize:        cfg.QueueSize,
		SecondaryWorkers: cfg.SecondaryWorkers,
		SecondaryWait:    cfg.SecondaryWait,
	})
	return &engine{exec: exec, store: store, toolNames: reg.Names()}, led, nil
}

// openPatternCache picks the shared redis cache when an address is
// configured, otherwise the in-process one.
func openPatternCache(cfg *config.Config) patterncache.Cache {
	if cfg.RedisAddr != "" {
		return patterncache.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	return patterncache.NewMemoryCache()
}

func openLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case "file":
		return ledger.OpenFileLedger(cfg.LedgerPath)
	case "postgres":
		db, err := sql.Open("postgres", cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		led := ledger.NewSQLLedger(db)
		if err := led.Init(context.Background()); err != nil {
			return nil, err
		}
		return led, nil
	default: // sqlite
		db, err := sql.Open("sqlite", cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		led := ledger.NewSQLLedger(db)
		if err := led.Init(context.Background()); err != nil {
			return nil, err
		}
		return led, nil
	}
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
