package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/hylla/concord/internal/adapters/storage/sqlite"
	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/config"
	"github.com/hylla/concord/internal/domain"
	"github.com/hylla/concord/internal/platform"
	"github.com/spf13/cobra"
)

// version is stamped at build time.
var version = "dev"

// executeCommand runs the root command. Tests swap it for a plain cobra execute.
var executeCommand = func(ctx context.Context, root *cobra.Command) error {
	return fang.Execute(ctx, root, fang.WithVersion(version))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run builds the command tree and executes args against it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	c := &cli{stdout: stdout, stderr: stderr, now: time.Now}
	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return executeCommand(ctx, root)
}

// cli holds global flag state shared by every command.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time

	configPath string
	dbPath     string
	appName    string
	devMode    bool
}

func (c *cli) rootCommand() *cobra.Command {
	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv("CONCORD_DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	appName := "concord"
	if envApp := strings.TrimSpace(os.Getenv("CONCORD_APP_NAME")); envApp != "" {
		appName = envApp
	}

	root := &cobra.Command{
		Use:           "concord",
		Short:         "Multi-writer conflict detection, lease locking and resolution",
		Long:          "concord coordinates concurrent writers of shared documents: exclusive leases, per-document version history, conflict records and resolution strategies.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "path to config TOML")
	flags.StringVar(&c.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&c.appName, "app", appName, "application name for config/data path resolution")
	flags.BoolVar(&c.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		c.pathsCommand(),
		c.serveCommand(),
		c.lockCommand(),
		c.versionsCommand(),
		c.conflictsCommand(),
		c.logsCommand(),
		c.rolesCommand(),
		c.sweepCommand(),
	)
	return root
}

func (c *cli) paths() (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{
		AppName: c.appName,
		DevMode: c.devMode,
	})
}

// session is one opened runtime: config, logger, store and engine.
type session struct {
	cfg        config.Config
	defaults   config.Config
	configPath string
	logger     *runtimeLogger
	repo       *sqlite.Repository
	engine     *app.Engine
}

// openSession resolves config and opens the store and engine for one command.
func (c *cli) openSession(command string) (*session, error) {
	paths, err := c.paths()
	if err != nil {
		return nil, err
	}

	configPath := strings.TrimSpace(c.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("CONCORD_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(c.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("CONCORD_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	defaults := config.Default(dbPath)
	cfg, err := config.Load(configPath, defaults)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}

	logger, err := newRuntimeLogger(c.stderr, c.appName, c.devMode, cfg.Logging, c.now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	if command != "serve" {
		// One-shot commands print results on stdout; runtime logs go to the dev file only.
		logger.SetConsoleEnabled(false)
	}
	logger.Info("startup configuration resolved", "app", c.appName, "dev_mode", c.devMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	if err := paths.EnsureDataDir(cfg.Database.Path); err != nil {
		_ = logger.Close()
		return nil, err
	}
	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	repo, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		_ = logger.Close()
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}

	engineCfg, err := toEngineConfig(cfg)
	if err != nil {
		_ = repo.Close()
		_ = logger.Close()
		return nil, err
	}
	engine, err := app.NewEngine(repo, uuid.NewString, nil, engineCfg, app.WithLogger(logger.EngineLogger()))
	if err != nil {
		_ = repo.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	logger.Debug("engine initialized", "conflict_policy", cfg.Conflicts.Policy, "merge_policy", cfg.Conflicts.MergePolicy)

	return &session{
		cfg:        cfg,
		defaults:   defaults,
		configPath: configPath,
		logger:     logger,
		repo:       repo,
		engine:     engine,
	}, nil
}

// Close drains the engine, then closes the store and log sinks.
func (s *session) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := s.engine.Close(ctx); err != nil {
		s.logger.Warn("engine close failed", "err", err)
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := s.repo.Close(); err != nil {
		s.logger.Warn("sqlite close failed", "db_path", s.cfg.Database.Path, "err", err)
		errs = append(errs, fmt.Errorf("close sqlite: %w", err))
	}
	if err := s.logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close runtime log sink: %w", err))
	}
	return errors.Join(errs...)
}

// withSession opens a session, runs fn and closes the session.
func (c *cli) withSession(command string, fn func(*session) error) (err error) {
	s, err := c.openSession(command)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	s.logger.Info("command flow start", "command", command)
	if err := fn(s); err != nil {
		s.logger.Error("command flow failed", "command", command, "err", err)
		return err
	}
	s.logger.Info("command flow complete", "command", command)
	return nil
}

// toEngineConfig maps persisted config values into engine settings.
func toEngineConfig(cfg config.Config) (app.EngineConfig, error) {
	durations, err := cfg.Durations()
	if err != nil {
		return app.EngineConfig{}, err
	}
	policies, err := cfg.RolePolicies()
	if err != nil {
		return app.EngineConfig{}, err
	}
	return app.EngineConfig{
		Locks: app.LockManagerConfig{
			DefaultLease:      durations.DefaultLease,
			HeartbeatInterval: durations.HeartbeatInterval,
		},
		Versions: app.VersionStoreConfig{
			MaxRecordAttempts: cfg.Versions.MaxRecordAttempts,
		},
		Orchestrator: app.OrchestratorConfig{
			Policy:          app.ConflictPolicy(cfg.Conflicts.Policy),
			RecordConflicts: cfg.Conflicts.Record,
		},
		MergePolicy: app.MergePolicy(cfg.Conflicts.MergePolicy),
		Logs: app.LogPipelineConfig{
			BatchSize:      cfg.OpLog.BatchSize,
			FlushThreshold: cfg.OpLog.FlushThreshold,
			FlushInterval:  durations.LogFlushInterval,
			MaxAttempts:    cfg.OpLog.MaxAttempts,
		},
		Sync: app.SyncConfig{
			High:          cfg.Sync.High,
			Medium:        cfg.Sync.Medium,
			BatchInterval: durations.SyncBatchInterval,
		},
		Roles: app.RoleDirectoryConfig{
			DefaultRole: domain.Role(cfg.Permissions.DefaultRole),
			CacheSize:   cfg.Permissions.CacheSize,
		},
		Policies:      policies,
		SweepInterval: durations.SweepInterval,
	}, nil
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
