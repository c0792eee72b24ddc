package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diffusion_backend/core"
	"diffusion_backend/db"
	"diffusion_backend/logging"
	"diffusion_backend/sdruntime"
)

// app holds what every subcommand needs after configuration is loaded.
type app struct {
	cfg    *core.Config
	logger *logging.Logger

	// exitCode is returned by run when the command itself succeeded.
	exitCode int
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "diffusion_backend",
		Short:         "DDIM image generation from the command line or over HTTP",
		Version:       core.GetVersionInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "sampler YAML file (overrides SD_CONFIG_FILE)")
	pf.String("backend", "", "sampler backend (overrides SD_BACKEND)")
	pf.String("db", "", "run history database (overrides SD_DB_PATH)")
	pf.Bool("no-history", false, "do not record runs")
	pf.Bool("verbose", false, "debug logging")

	root.AddCommand(
		newGenerateCmd(a, sdruntime.ModeTextToImage),
		newGenerateCmd(a, sdruntime.ModeImageToImage),
		newGenerateCmd(a, sdruntime.ModeInpaint),
		newScheduleCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads configuration and the logger. Flags override the environment.
func (a *app) setup(cmd *cobra.Command) error {
	flags := cmd.Flags()
	for flag, env := range map[string]string{
		"config":  "SD_CONFIG_FILE",
		"backend": "SD_BACKEND",
		"db":      "SD_DB_PATH",
	} {
		if v, _ := flags.GetString(flag); v != "" {
			os.Setenv(env, v)
		}
	}

	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	verbose, _ := flags.GetBool("verbose")
	if verbose {
		os.Setenv(logging.LevelEnvVar, "debug")
	}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	logger, err := logging.NewLogger(cfg.DevMode, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	logger.Debug("configuration loaded",
		zap.String("backend", cfg.SD.Backend),
		zap.String("db", cfg.DBPath),
		zap.Int("steps", cfg.SD.Schedule.NumSteps),
		zap.String("discretization", string(cfg.SD.Schedule.Discretization)),
		zap.Bool("dev_mode", cfg.DevMode))
	return nil
}

// newGenerator builds a generator for the loaded configuration.
func (a *app) newGenerator() (*sdruntime.Generator, error) {
	return sdruntime.NewGenerator(a.cfg.SD, sdruntime.DefaultRegistry(), a.logger.Named("sampler"))
}

// openHistory opens the run database unless --no-history is set. A
// database that cannot be opened disables history with a warning.
func (a *app) openHistory(cmd *cobra.Command) (*db.Database, *db.Repository) {
	if off, _ := cmd.Flags().GetBool("no-history"); off {
		return nil, nil
	}
	database, err := db.Open(a.cfg.DBPath)
	if err != nil {
		a.logger.Warn("run history disabled", zap.String("db", a.cfg.DBPath), zap.Error(err))
		return nil, nil
	}
	return database, db.NewRepository(database)
}
