package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/resibo/internal/action"
	"github.com/zombor/resibo/internal/portal"
	"github.com/zombor/resibo/internal/review"
	"github.com/zombor/resibo/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("resibo")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		storeType      = fs.StringLong("store", "bolt", "Pending invoice store: 'bolt' or 'postgres'")
		dbPath         = fs.StringLong("db", "resibo.db", "BoltDB file path")
		postgresDSN    = fs.StringLong("postgres-dsn", "", "Postgres connection string (store=postgres)")
		storagePath    = fs.StringLong("storage", "./invoices", "Directory for uploaded invoice media")
		userID         = fs.StringLong("user-id", "", "Reviewer user id whose pending invoices are listed")
		accessToken    = fs.StringLong("access-token", "", "Bearer token sent to the action executor")
		refreshToken   = fs.StringLong("refresh-token", "", "Refresh token used to renew the access token (optional)")
		authRefreshURL = fs.StringLong("auth-refresh-url", "", "Token refresh endpoint (optional)")
		authAPIKey     = fs.StringLong("auth-api-key", "", "API key sent to the token refresh endpoint")
		commitURL      = fs.StringLong("commit-url", "", "Action executor commit endpoint")
		discardURL     = fs.StringLong("discard-url", "", "Action executor discard endpoint")
		scannerType    = fs.StringLong("scanner", "none", "Invoice extractor for uploads: 'gemini', 'ollama' or 'none'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RESIBO"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *userID == "" {
		slog.Error("A reviewer is required. Set --user-id or RESIBO_USER_ID")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize pending invoice store
	slog.Info("Initializing store...", "type", *storeType)
	var store portal.PendingStore
	switch *storeType {
	case "bolt":
		db, err := portal.NewBoltStore(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		store = db
	case "postgres":
		sqlDB, err := portal.OpenPostgres(ctx, *postgresDSN)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		pg := portal.NewPostgresStore(sqlDB)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to prepare schema", "error", err)
			os.Exit(1)
		}
		store = pg
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt or postgres")
		os.Exit(1)
	}
	defer store.Close()

	// Initialize extractor based on type
	var extractor scanning.Extractor
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		g, err := scanning.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		extractor = g
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor = scanning.NewOllama(*ollamaURL, *ollamaModel)
	case "none":
		slog.Info("Invoice uploads disabled")
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}
	if extractor != nil {
		defer extractor.Close()
	}

	slog.Info("Initializing storage...")
	media, err := portal.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Action executor
	var tokens action.TokenSource
	if *authRefreshURL != "" && *refreshToken != "" {
		tokens = action.NewRefreshingToken(*authRefreshURL, *authAPIKey, *refreshToken, nil)
	}
	gateway, err := action.NewGateway(action.Config{
		CommitURL:  *commitURL,
		DiscardURL: *discardURL,
	}, tokens)
	if err != nil {
		slog.Error("Failed to configure action executor", "error", err)
		os.Exit(1)
	}

	metrics := portal.NewMetrics()
	service := portal.NewService(store, extractor, media)
	service.SetObserver(metrics)

	collection := review.NewCollection(
		review.User{ID: *userID, Token: *accessToken},
		store,
		metrics.InstrumentActions(gateway),
		review.WithRefreshObserver(metrics),
		review.WithResolver(service),
	)

	server := portal.NewServer(collection, service, metrics, portal.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "address", addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
