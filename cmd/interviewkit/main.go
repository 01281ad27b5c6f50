// Command interviewkit rehearses mock interviews against the speech and
// non-verbal analysis backends using file-backed capture devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MrWong99/interviewkit/internal/app"
	"github.com/MrWong99/interviewkit/internal/config"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/pkg/media"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "interviewkit",
		Short:         "Interview practice capture client",
		Long:          "interviewkit streams microphone audio and camera frames to the speech and non-verbal analysis backends and reports the results of a mock interview.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "interviewkit.yaml", "path to the YAML configuration file")

	root.AddCommand(
		rehearseCmd(&configPath),
		devicesCmd(&configPath),
		checkCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "interviewkit v%s\n", version)
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "interviewkit: %v\n", err)
		return 1
	}
	return 0
}

// ── rehearse ──────────────────────────────────────────────────────────────────

func rehearseCmd(configPath *string) *cobra.Command {
	var (
		rounds int
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "rehearse",
		Short: "Run scripted interviews and print each result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rehearse(cmd.Context(), *configPath, rounds, watch)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 1, "number of interviews to run; 0 runs until interrupted")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload questions and log level from the config file between interviews")
	return cmd
}

func rehearse(ctx context.Context, path string, rounds int, watch bool) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     reg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithGatherer(reg),
	}
	var watcher *config.Watcher
	if watch {
		watcher, err = config.NewWatcher(path, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				logger.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.QuestionsChanged || d.AnswerDurationChanged {
				logger.Info("interview settings changed, applying to the next interview",
					"questions", len(new.Interview.Questions), "answer_duration", new.Interview.AnswerDuration)
			}
		}, config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		opts = append(opts, app.WithConfigSource(watcher.Current))
	}

	application, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}
	if watcher != nil {
		application.AddCloser(func() error { watcher.Stop(); return nil })
	}
	application.AddCloser(func() error { return shutdownTelemetry(context.Background()) })

	logger.Info("interviewkit starting",
		"config", path,
		"questions", len(cfg.Interview.Questions),
		"speech", cfg.Backends.Speech.BaseURL,
		"nonverbal", cfg.Backends.NonVerbal.BaseURL,
		"listen_addr", cfg.Server.ListenAddr,
	)

	runErr := application.Run(ctx, rounds)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return runErr
}

// ── devices ───────────────────────────────────────────────────────────────────

func devicesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the configured capture devices and the microphone probe order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			resolver := media.NewResolver(app.DevicesFromConfig(cfg),
				media.WithLogger(newLogger(slogLevel(cfg.Server.LogLevel))))
			list, err := resolver.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tLABEL")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Kind, d.DeviceID, d.Label)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nmicrophone probe order: %v\n",
				resolver.Candidates(cfg.Interview.PreferredMicrophone))
			return nil
		},
	}
}

// ── check ─────────────────────────────────────────────────────────────────────

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the speech and non-verbal backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			application, err := app.New(cfg, app.WithLogger(newLogger(slogLevel(cfg.Server.LogLevel))))
			if err != nil {
				return err
			}
			results := application.CheckBackends(cmd.Context())
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := 0
			for _, name := range names {
				if err := results[name]; err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s fail: %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s ok\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d backend(s) unavailable", failed)
			}
			return nil
		},
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
