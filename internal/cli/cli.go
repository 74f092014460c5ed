// ============================================================================
// adsorbflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra 命令樹, 每個子命令對應管線的一個階段
//
// Command Structure:
//   adsorbflow                     # Root command
//   ├── enumerate                  # template + adsorbates -> enumerated store
//   ├── sample                     # enumerated store -> sampled store
//   ├── slabs                      # one working dir per distinct slab
//   ├── materialize                # sampled store -> working dirs
//   ├── relax-shard                # relax one id shard into a trajectory
//   ├── relax-dirs                 # relax working dirs (--restart)
//   ├── verify                     # single points into the verified store
//   ├── status                     # record counts per store
//   ├── make-dataset               # trajectories -> binding-energy training store
//   ├── serve-evaluator            # gRPC Lennard-Jones evaluator
//   ├── --config, -c               # config file (default: configs/default.yaml)
//   └── --log-level, --log-format  # logger overrides
//
// Configuration:
//   YAML file decoded over built-in defaults and validated (internal/config).
//   A missing default config file falls back to the defaults; a missing
//   explicit --config path is an error.
//
// Signal Handling:
//   每個命令的 context 在 SIGINT / SIGTERM 時取消; 鬆弛中的 worker 會在
//   下一個 step 邊界停止, 已寫入的 trajectory frame 保留, 可用 restart 續跑
//
// Metrics Service:
//   metrics.enabled 時在 metrics.addr 的 /metrics 提供 Prometheus 指標,
//   隨命令 context 關閉
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/adsorbflow/internal/config"
	"github.com/ChuLiYu/adsorbflow/internal/evaluator"
	"github.com/ChuLiYu/adsorbflow/internal/lock"
	"github.com/ChuLiYu/adsorbflow/internal/logging"
	"github.com/ChuLiYu/adsorbflow/internal/metrics"
	"github.com/ChuLiYu/adsorbflow/internal/optimize"
	"github.com/ChuLiYu/adsorbflow/internal/store"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adsorbflow",
		Short: "adsorbflow: adsorbate configuration enumeration and relaxation",
		Long: `adsorbflow builds adsorbate-on-surface structures and relaxes them:
- symmetry-distinct enumeration over supercells
- coverage-constrained sampling
- working directory materialization with constraints
- checkpointed relaxation with crash-safe resume`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	pf.StringVar(&logLevel, "log-level", "", "override log.level")
	pf.StringVar(&logFormat, "log-format", "", "override log.format (console, json)")

	rootCmd.AddCommand(buildEnumerateCommand())
	rootCmd.AddCommand(buildSampleCommand())
	rootCmd.AddCommand(buildSlabsCommand())
	rootCmd.AddCommand(buildMaterializeCommand())
	rootCmd.AddCommand(buildRelaxShardCommand())
	rootCmd.AddCommand(buildRelaxDirsCommand())
	rootCmd.AddCommand(buildVerifyCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDatasetCommand())
	rootCmd.AddCommand(buildServeEvaluatorCommand())

	return rootCmd
}

// ============================================================================
// 共用環境
// ============================================================================

// env is what every command needs after start-up.
type env struct {
	cfg     *config.Config
	log     zerolog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Collector
}

// setup loads the configuration, builds the logger and metrics, and returns
// a context cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command) (context.Context, *env, context.CancelFunc, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	logger = logger.With().Str("command", cmd.Name()).Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e := &env{cfg: cfg, log: logger, reg: reg, metrics: metrics.NewCollector(reg)}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg); err != nil {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server started")
	}
	return ctx, e, stop, nil
}

// loadConfig reads path, falling back to the defaults when the default
// path does not exist, then applies the flag overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path != config.DefaultPath || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the SQLite store at path. Without mustExist the parent
// directory is created.
func (e *env) openStore(ctx context.Context, path string, mustExist bool) (*store.SQLiteStore, error) {
	if !mustExist {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return store.OpenSQLite(ctx, path, e.storeOptions(mustExist))
}

func (e *env) storeOptions(mustExist bool) store.Options {
	return store.Options{MustExist: mustExist, BusyTimeout: e.cfg.Store.BusyTimeout, Logger: e.log}
}

// evaluator builds the configured evaluator. The returned func releases its
// connection, if any.
func (e *env) evaluator() (evaluator.Evaluator, func() error, error) {
	ec := e.cfg.Evaluator
	switch ec.Kind {
	case "remote":
		remote, conn, err := evaluator.Dial(ec.Remote.Addr, ec.Remote.Timeout)
		if err != nil {
			return nil, nil, err
		}
		e.log.Info().Str("addr", ec.Remote.Addr).Msg("Using remote evaluator")
		return remote, conn.Close, nil
	default:
		return e.lennardJones(), func() error { return nil }, nil
	}
}

func (e *env) lennardJones() evaluator.LennardJones {
	c := e.cfg.Evaluator.LJ
	lj := evaluator.NewLennardJones(c.Epsilon, c.Sigma)
	if c.Cutoff > 0 {
		lj.Cutoff = c.Cutoff
	}
	return lj
}

// locker builds the configured reservation lock backend.
func (e *env) locker(ctx context.Context) (lock.Locker, func() error, error) {
	lc := e.cfg.Lock
	noClose := func() error { return nil }
	switch lc.Backend {
	case "file":
		l, err := lock.NewFileLocker(lc.Dir)
		if err != nil {
			return nil, nil, err
		}
		return l, noClose, nil
	case "redis":
		l, err := lock.NewRedisLocker(ctx, lock.RedisOptions{
			Addr:     lc.Redis.Addr,
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
			TTL:      lc.Redis.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return lock.Noop{}, noClose, nil
	}
}

func (e *env) optimizer() *optimize.FIRE {
	rc := e.cfg.Relax
	return optimize.NewFIRE(optimize.Options{Fmax: rc.Fmax, Steps: rc.Steps, MaxStep: rc.MaxStep})
}

// closeLogged runs fn and logs its error; used in defers.
func (e *env) closeLogged(what string, fn func() error) {
	if err := fn(); err != nil {
		e.log.Warn().Err(err).Str("resource", what).Msg("Close failed")
	}
}
