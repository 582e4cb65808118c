// Package cmd implements the mech command line.
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"charm.land/log/v2"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rand/mech/internal/app"
	"github.com/rand/mech/internal/config"
	"github.com/rand/mech/internal/observability"
)

// Version is set at build time.
var Version = "dev"

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotating file instead of stderr")

	rootCmd.AddCommand(runCmd, askCmd, modelsCmd, configCmd)
}

var rootCmd = &cobra.Command{
	Use:   "mech",
	Short: "Multi-model agent loop with meta-cognition",
	Long: `mech runs an agent over many rounds, rotating between language models by
weighted score. Every few requests a meta-cognition pass reviews the run and
retunes model scores, pacing and review frequency.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fang.Execute(ctx, rootCmd, fang.WithVersion(Version)); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the process logger. Flags override the config.
func setupLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, func() error) {
	debug, _ := cmd.Flags().GetBool("debug")
	file, _ := cmd.Flags().GetString("log-file")
	if file == "" {
		file = cfg.Log.File
	}

	level := log.InfoLevel
	if l, err := log.ParseLevel(cfg.Log.Level); err == nil {
		level = l
	}
	if debug {
		level = log.DebugLevel
	}

	var (
		w       io.Writer = cmd.ErrOrStderr()
		closeFn           = func() error { return nil }
		opts              = log.Options{Level: level, ReportTimestamp: true}
	)
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		w, closeFn = lj, lj.Close
		opts.Formatter = log.JSONFormatter
	}

	logger := slog.New(log.NewWithOptions(w, opts))
	slog.SetDefault(logger)
	return logger, closeFn
}

// setupApp loads config, installs logging and builds the App. The
// returned shutdown releases everything.
func setupApp(cmd *cobra.Command, sinks ...observability.Sink) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog := setupLogger(cmd, cfg)

	a, err := app.New(cmd.Context(), cfg, app.Options{Logger: logger, Sinks: sinks})
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
		closeLog()
	}, nil
}

// MaybePrependStdin prepends piped stdin to prompt.
func MaybePrependStdin(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return prompt, err
		}
		if fi.Mode()&os.ModeCharDevice != 0 {
			return prompt, nil
		}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, in); err != nil {
		return prompt, err
	}
	piped := strings.TrimSpace(buf.String())
	switch {
	case piped == "":
		return prompt, nil
	case prompt == "":
		return piped, nil
	default:
		return piped + "\n\n" + prompt, nil
	}
}
