package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/incidentlabs/rcacoach/internal/engine"
	"github.com/incidentlabs/rcacoach/internal/handler"
	"github.com/incidentlabs/rcacoach/internal/intent"
	"github.com/incidentlabs/rcacoach/internal/llm"
	"github.com/incidentlabs/rcacoach/internal/model"
	"github.com/incidentlabs/rcacoach/internal/ratelimit"
	"github.com/incidentlabs/rcacoach/internal/store"
)

func main() {
	// Local .env files are a convenience for development; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rcacoach",
		Short: "Root-cause-analysis interview coach powered by LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `rcacoach --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP interview server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "rcacoach.db", "SQLite database path")
	f.StringSliceP("problems", "p", []string{"problems/problems.json"}, "Paths to problems JSON files (repeatable)")
	f.String("llm-url", "https://generativelanguage.googleapis.com/v1beta/openai/", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM (or set RCACOACH_LLM_KEY)")
	f.String("llm-model", "gemini-2.0-flash-lite", "LLM model name")
	f.Int("match-threshold", intent.DefaultThreshold, "Topic-word matches required to mark a question as asked")
	f.Int("global-rate-limit", 20, "Max chat requests across all sessions per window")
	f.Duration("global-window", time.Minute, "Global rate limit window")
	f.Int("session-rate-limit", 30, "Max chat requests per session per window")
	f.Duration("session-window", time.Hour, "Per-session rate limit window")
	f.Bool("skip-llm-check", false, "Skip the LLM health check on startup")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished attempt results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "rcacoach.db", "SQLite database path")
	f.String("label", "", "Label for the export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("label")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("RCACOACH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("rcacoach")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/rcacoach")
	v.AddConfigPath("/etc/rcacoach")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Load problems from all specified files.
	if err := loadProblems(db, v.GetStringSlice("problems")); err != nil {
		return fmt.Errorf("load problems: %w", err)
	}

	// Create LLM client.
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if !v.GetBool("skip-llm-check") {
		if err := llmClient.Ping(context.Background()); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	simCfg := model.SimConfig{
		MatchThreshold:   v.GetInt("match-threshold"),
		GlobalRateLimit:  v.GetInt("global-rate-limit"),
		GlobalWindow:     v.GetDuration("global-window"),
		SessionRateLimit: v.GetInt("session-rate-limit"),
		SessionWindow:    v.GetDuration("session-window"),
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalLimit:   simCfg.GlobalRateLimit,
		GlobalWindow:  simCfg.GlobalWindow,
		SessionLimit:  simCfg.SessionRateLimit,
		SessionWindow: simCfg.SessionWindow,
	})
	eng := engine.New(llmClient, limiter, intent.NewKeyword(simCfg.MatchThreshold))

	h, err := handler.New(db, eng, simCfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"match_threshold", simCfg.MatchThreshold,
		"global_rate_limit", simCfg.GlobalRateLimit,
		"session_rate_limit", simCfg.SessionRateLimit,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	export := model.ResultsExport{
		Label:      v.GetString("label"),
		ExportedAt: time.Now().UTC(),
		Results:    results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func loadProblems(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("problems file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("problems file changed since last import, skipping to avoid breaking existing attempts",
				"path", path)
			continue
		}

		var problems []model.ProblemImport
		if err := json.Unmarshal(data, &problems); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, pi := range problems {
			problemID := uuid.NewString()
			err := db.InsertProblem(model.Problem{
				ID:               problemID,
				Title:            pi.Title,
				Context:          pi.Context,
				AIContext:        pi.AIContext,
				Category:         pi.Category,
				Difficulty:       pi.Difficulty,
				TimeLimitMinutes: pi.TimeLimitMinutes,
			})
			if err != nil {
				return fmt.Errorf("insert problem from %s: %w", path, err)
			}
			for i, qi := range pi.Questions {
				err := db.InsertQuestion(model.Question{
					ID:                 uuid.NewString(),
					ProblemID:          problemID,
					OrderIndex:         i,
					Text:               qi.Text,
					GoldStandardAnswer: qi.GoldStandardAnswer,
					RubricItems:        qi.RubricItems,
					ContextSummary:     qi.ContextSummary,
				})
				if err != nil {
					return fmt.Errorf("insert question from %s: %w", path, err)
				}
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported problems", "path", path, "count", len(problems))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
