package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/porttrip/concierge/internal/api"
	"github.com/porttrip/concierge/internal/billing"
	"github.com/porttrip/concierge/internal/config"
	"github.com/porttrip/concierge/internal/corpus"
	"github.com/porttrip/concierge/internal/llm"
	"github.com/porttrip/concierge/internal/pipeline"
	"github.com/porttrip/concierge/internal/retrieval"
	"github.com/porttrip/concierge/internal/storage"
	"github.com/porttrip/concierge/internal/websearch"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the porttrip server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running porttrip server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show porttrip system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "porttrip.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "porttrip version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("porttrip is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("porttrip is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Load the corpus: embedded seed plus an optional extra file.
	sources := [][]byte{corpus.Seed}
	if cfg.Storage.CorpusFile != "" {
		extra, err := os.ReadFile(cfg.Storage.CorpusFile)
		if err != nil {
			slog.Warn("could not read extra corpus file, continuing with seed only",
				"path", cfg.Storage.CorpusFile, "error", err)
		} else {
			sources = append(sources, extra)
		}
	}
	corpusStore := corpus.Load(sources...)
	slog.Info("corpus loaded", "snippets", corpusStore.Len())

	// Model client and retrieval.
	llmClient := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.EmbedModel)
	var embedder retrieval.Embedder
	if cfg.Retrieval.UseEmbeddings {
		embedder = llmClient
	}
	retriever := retrieval.NewRetriever(corpusStore, embedder, cfg.Retrieval.MaxLocalPassages)

	var searcher pipeline.Searcher
	if cfg.Retrieval.AllowWeb && cfg.WebSearch.TavilyAPIKey != "" {
		searcher = websearch.NewClient(cfg.WebSearch.TavilyAPIKey, cfg.Retrieval.MaxWebSnippets)
	}
	pipe := pipeline.New(corpusStore, retriever, searcher)

	// Billing.
	var stripeClient *billing.StripeClient
	var customers billing.CustomerStore
	if cfg.Billing.StripeSecretKey != "" {
		stripeClient = billing.NewStripeClient(cfg.Billing.StripeSecretKey, cfg.Billing.StripeWebhookSecret)
		customers = stripeClient
	}
	gate := billing.NewGate(customers, store, cfg.Billing.AllowUnmeteredFallback)

	handler := api.NewHandler(api.Deps{
		Corpus:   corpusStore,
		Store:    store,
		Pipeline: pipe,
		Chat:     llmClient,
		Gate:     gate,
		Stripe:   stripeClient,
		Model:    cfg.OpenAI.Model,
		Checkout: api.CheckoutConfig{
			SuccessURL: cfg.Billing.CheckoutSuccessURL,
			CancelURL:  cfg.Billing.CheckoutCancelURL,
			Prices: map[billing.Plan]string{
				billing.PlanPro:       cfg.Billing.PriceProID,
				billing.PlanUnlimited: cfg.Billing.PriceUnlimitedID,
			},
		},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Corpus:    corpusStore,
		Store:     store,
		Retriever: retriever,
		Gate:      gate,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "porttrip listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("porttrip is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop porttrip (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to porttrip (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Chat model", "%s", cfg.OpenAI.Model)
	printStatus("Embed model", "%s", cfg.OpenAI.EmbedModel)
	if cfg.Retrieval.AllowWeb && cfg.WebSearch.TavilyAPIKey != "" {
		printStatus("Web search", "enabled")
	} else {
		printStatus("Web search", "disabled")
	}
	if cfg.Billing.StripeSecretKey != "" {
		printStatus("Billing", "stripe configured")
	} else if cfg.Billing.AllowUnmeteredFallback {
		printStatus("Billing", "unmetered fallback")
	} else {
		printStatus("Billing", "free tier only")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
