package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examhub/internal/auth"
	"github.com/pavelanni/examhub/internal/grading"
	"github.com/pavelanni/examhub/internal/handler"
	appI18n "github.com/pavelanni/examhub/internal/i18n"
	"github.com/pavelanni/examhub/internal/importer"
	"github.com/pavelanni/examhub/internal/llm"
	"github.com/pavelanni/examhub/internal/llm/prompts"
	"github.com/pavelanni/examhub/internal/model"
	"github.com/pavelanni/examhub/internal/store"
	"github.com/pavelanni/examhub/internal/submission"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examhub",
		Short: "IELTS-style exam platform with automated grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addDBFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "examhub.db", "SQLite path or PostgreSQL connection URL")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addDBFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the scoring provider")
	f.String("llm-model", "gpt-4o-mini", "Model used to grade speaking and writing")
	f.String("transcribe-model", "whisper-1", "Model used to transcribe speaking answers")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Duration("provider-timeout", grading.DefaultProviderTimeout, "Timeout for each scoring provider call")
	f.Int("concurrency", submission.DefaultConcurrency, "Answers graded concurrently per submission")
	f.Int("expected-listening", submission.DefaultExpectedCounts.Listening, "Listening questions per full exam")
	f.Int("expected-reading", submission.DefaultExpectedCounts.Reading, "Reading questions per full exam")
	f.Int("expected-speaking", submission.DefaultExpectedCounts.Speaking, "Speaking questions per full exam")
	f.Int("expected-writing", submission.DefaultExpectedCounts.Writing, "Writing questions per full exam")
	f.String("jwt-secret", "", "HMAC secret for access tokens (or set EXAMHUB_JWT_SECRET)")
	f.Duration("jwt-ttl", auth.DefaultTTL, "Access token lifetime")
	f.String("admin-password", "", "Initial admin password (or set EXAMHUB_ADMIN_PASSWORD)")
	f.StringP("lang", "l", "en", "Default response language (en, vi)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exams or questions from JSON or YAML files",
		Long: "Without --exam-id each file is a whole exam and creates a new one.\n" +
			"With --exam-id each file is a question list appended to that exam;\n" +
			"files already imported with the same content are skipped.",
		Args: cobra.MinimumNArgs(1),
		RunE: runImport,
	}
	addDBFlags(cmd)
	cmd.Flags().Int64("exam-id", 0, "Append questions to this exam")
	cmd.Flags().String("created-by", "admin", "Author recorded on new exams")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results as JSON",
		RunE:  runExport,
	}
	addDBFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Only export attempts of this exam (0 = all)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
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

	v.SetEnvPrefix("EXAMHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examhub")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examhub")
	v.AddConfigPath("/etc/examhub")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	driver := store.Driver(strings.ToLower(v.GetString("db-driver")))
	db, err := store.Open(ctx, driver, v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	tokens, err := auth.NewService(v.GetString("jwt-secret"), v.GetDuration("jwt-ttl"))
	if err != nil {
		return fmt.Errorf("create token service: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	if v.GetString("llm-key") == "" {
		slog.Warn("no scoring provider key set; speaking and writing grading will fail")
	}
	provider := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.WithTranscribeModel(v.GetString("transcribe-model")),
		llm.WithPromptVariant(prompts.PromptVariant(promptVariant)),
	)

	engine := grading.New(provider, provider, v.GetDuration("provider-timeout"))
	proc := submission.New(db, engine,
		submission.WithConcurrency(v.GetInt("concurrency")),
		submission.WithExpectedCounts(submission.ExpectedCounts{
			Listening: v.GetInt("expected-listening"),
			Reading:   v.GetInt("expected-reading"),
			Speaking:  v.GetInt("expected-speaking"),
			Writing:   v.GetInt("expected-writing"),
		}),
	)
	h := handler.New(db, proc, importer.New(db), tokens)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   v.GetStringSlice("cors-origins"),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"db_driver", db.Driver(),
			"llm_url", v.GetString("llm-url"),
			"model", v.GetString("llm-model"),
			"prompt_variant", promptVariant,
			"lang", lang,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	im := importer.New(db)
	examID := v.GetInt64("exam-id")
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		format := importer.FormatFor(path)

		if examID == 0 {
			e, err := importer.DecodeExam(data, format)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			rep, err := im.ImportExam(ctx, e, v.GetString("created-by"))
			if err != nil {
				return fmt.Errorf("import %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: exam %d with %d questions\n", path, rep.ExamID, len(rep.Questions))
			continue
		}

		questions, err := importer.DecodeQuestions(data, format)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		rep, err := im.ImportQuestions(ctx, examID, filepath.Base(path), data, questions)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if rep.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: unchanged, skipped\n", path)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d questions added to exam %d\n", path, len(rep.Questions), examID)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	examID := v.GetInt64("exam-id")
	attempts, err := db.ExportAttempts(ctx, examID)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}
	if attempts == nil {
		attempts = []model.AttemptExport{}
	}

	export := model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		ExamID:     examID,
		Attempts:   attempts,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported attempts", "count", len(attempts), "output", outPath)
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or EXAMHUB_ADMIN_PASSWORD env var")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		PasswordHash: hash,
		IsAdmin:      true,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
